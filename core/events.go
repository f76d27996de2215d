package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// OutboxEventSink writes issuance events to an outbox for asynchronous dispatch.
type OutboxEventSink struct {
	Store OutboxStore
}

func (s OutboxEventSink) Emit(ctx context.Context, event IssuanceEvent) error {
	if s.Store == nil {
		return fmt.Errorf("core: outbox store is required")
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Name) == "" {
		return fmt.Errorf("core: event id and name are required")
	}
	return s.Store.Enqueue(ctx, event)
}

// IssuanceEventHandlerFunc adapts a function to IssuanceEventHandler.
type IssuanceEventHandlerFunc func(ctx context.Context, event IssuanceEvent) error

func (f IssuanceEventHandlerFunc) Handle(ctx context.Context, event IssuanceEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

// EventHandlers is a named handler registry with stable ordering by name.
type EventHandlers struct {
	mu       sync.RWMutex
	handlers map[string]IssuanceEventHandler
	order    []string
}

func NewEventHandlers() *EventHandlers {
	return &EventHandlers{handlers: make(map[string]IssuanceEventHandler)}
}

func (r *EventHandlers) Register(name string, handler IssuanceEventHandler) {
	if r == nil || handler == nil {
		return
	}
	key := strings.TrimSpace(name)
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string]IssuanceEventHandler)
	}
	if _, exists := r.handlers[key]; !exists {
		r.order = append(r.order, key)
		sort.Strings(r.order)
	}
	r.handlers[key] = handler
}

func (r *EventHandlers) Handlers() []IssuanceEventHandler {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]IssuanceEventHandler, 0, len(r.order))
	for _, key := range r.order {
		if handler := r.handlers[key]; handler != nil {
			out = append(out, handler)
		}
	}
	return out
}

// EventNameFilter forwards only the named events to Next.
type EventNameFilter struct {
	Names []string
	Next  IssuanceEventHandler
}

func (f EventNameFilter) Handle(ctx context.Context, event IssuanceEvent) error {
	if f.Next == nil {
		return nil
	}
	for _, name := range f.Names {
		if strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(event.Name)) {
			return f.Next.Handle(ctx, event)
		}
	}
	return nil
}
