package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-issuance/core"
)

type MutatingService interface {
	HandleCourseCompleted(ctx context.Context, event core.CompletionEvent) (core.CompletionResult, error)
	RunIssuance(ctx context.Context, issuanceID string) (core.RunResult, error)
	RequeuePending(ctx context.Context, limit int) (core.RequeueResult, error)
}

type HandleCourseCompletedCommand struct {
	service MutatingService
}

func NewHandleCourseCompletedCommand(service MutatingService) *HandleCourseCompletedCommand {
	return &HandleCourseCompletedCommand{service: service}
}

func (c *HandleCourseCompletedCommand) Execute(ctx context.Context, msg HandleCourseCompletedMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: completion service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.HandleCourseCompleted(ctx, core.CompletionEvent{
		LearnerID:   msg.LearnerID,
		CourseID:    msg.CourseID,
		CompletedAt: msg.CompletedAt,
	})
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RunIssuanceCommand struct {
	service MutatingService
}

func NewRunIssuanceCommand(service MutatingService) *RunIssuanceCommand {
	return &RunIssuanceCommand{service: service}
}

func (c *RunIssuanceCommand) Execute(ctx context.Context, msg RunIssuanceMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: issuance service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.RunIssuance(ctx, msg.IssuanceID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RequeuePendingCommand struct {
	service MutatingService
}

func NewRequeuePendingCommand(service MutatingService) *RequeuePendingCommand {
	return &RequeuePendingCommand{service: service}
}

func (c *RequeuePendingCommand) Execute(ctx context.Context, msg RequeuePendingMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: requeue service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.RequeuePending(ctx, msg.Limit)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
