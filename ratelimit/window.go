package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeRateLimited = "ISSUANCE_RATE_LIMITED"
	DefaultWindow       = time.Hour
	globalBucket        = "global"
)

// IssuedCounter counts issuances marked issued at or after since. A nil
// tenant selects the records without a tenant.
type IssuedCounter interface {
	CountIssuedSince(ctx context.Context, tenantID *string, since time.Time) (int, error)
}

type ThrottledError struct {
	Bucket     string
	Count      int
	Limit      int
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf(
		"ratelimit: bucket %q throttled (%d issued, limit %d per window)",
		strings.TrimSpace(e.Bucket),
		e.Count,
		e.Limit,
	)
}

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{
		"bucket": strings.TrimSpace(e.Bucket),
		"count":  e.Count,
		"limit":  e.Limit,
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(TextCodeRateLimited).
		WithMetadata(metadata)
}

// WindowLimiter throttles a tenant once its issued count inside the trailing
// window reaches the limit. The check is advisory and holds no reservation.
type WindowLimiter struct {
	Counter    IssuedCounter
	Window     time.Duration
	RetryAfter time.Duration
	Now        func() time.Time
}

func NewWindowLimiter(counter IssuedCounter) *WindowLimiter {
	return &WindowLimiter{
		Counter: counter,
		Window:  DefaultWindow,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

func (l *WindowLimiter) Allow(ctx context.Context, tenantID *string, limitPerHour int) (bool, error) {
	if err := l.Check(ctx, tenantID, limitPerHour); err != nil {
		var throttled ThrottledError
		if errors.As(err, &throttled) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Check returns a ThrottledError when the tenant bucket is exhausted.
func (l *WindowLimiter) Check(ctx context.Context, tenantID *string, limitPerHour int) error {
	if limitPerHour <= 0 {
		return nil
	}
	if l == nil || l.Counter == nil {
		return fmt.Errorf("ratelimit: issued counter is required")
	}
	window := l.Window
	if window <= 0 {
		window = DefaultWindow
	}
	count, err := l.Counter.CountIssuedSince(ctx, tenantID, l.now().Add(-window))
	if err != nil {
		return err
	}
	if count < limitPerHour {
		return nil
	}
	return ThrottledError{
		Bucket:     BucketName(tenantID),
		Count:      count,
		Limit:      limitPerHour,
		RetryAfter: l.RetryAfter,
	}
}

func (l *WindowLimiter) now() time.Time {
	if l != nil && l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// BucketName labels the tenant bucket used for logs and errors.
func BucketName(tenantID *string) string {
	if tenantID == nil || strings.TrimSpace(*tenantID) == "" {
		return globalBucket
	}
	return "tenant:" + strings.TrimSpace(*tenantID)
}
