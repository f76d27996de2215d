package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-issuance/ratelimit"
)

func TestIssuanceErrorMapper(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		textCode string
		status   int
	}{
		{"not found sentinel", fmt.Errorf("%w: iss-1", ErrIssuanceNotFound), ErrorTextNotFound, http.StatusNotFound},
		{"lock timeout", fmt.Errorf("%w: key", ErrLockTimeout), ErrorTextLockTimeout, http.StatusConflict},
		{"invalid transition", fmt.Errorf("%w: issued -> failed", ErrInvalidIssuanceStatusTransition), ErrorTextInvalidState, http.StatusConflict},
		{"attempts decreased", ErrAttemptsDecreased, ErrorTextInvalidState, http.StatusConflict},
		{"throttled", ratelimit.ThrottledError{Bucket: "tenant:a", Count: 5, Limit: 5, RetryAfter: time.Minute}, ErrorTextRateLimited, http.StatusTooManyRequests},
		{"required field", errors.New("core: issuance id is required"), ErrorTextBadInput, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mapped := issuanceErrorMapper(tc.err)
			if mapped == nil {
				t.Fatalf("expected mapped error")
			}
			if mapped.TextCode != tc.textCode || mapped.Code != tc.status {
				t.Fatalf("expected %s/%d, got %s/%d", tc.textCode, tc.status, mapped.TextCode, mapped.Code)
			}
		})
	}
}

func TestIssuanceErrorMapperKeepsRichErrors(t *testing.T) {
	rich := goerrors.New("upstream exploded", goerrors.CategoryOperation)
	mapped := issuanceErrorMapper(fmt.Errorf("wrapped: %w", rich))
	if mapped != rich {
		t.Fatalf("expected the wrapped rich error to be returned")
	}
	if mapped.TextCode != ErrorTextUpstreamError || mapped.Code == 0 {
		t.Fatalf("expected envelope defaults, got %s/%d", mapped.TextCode, mapped.Code)
	}
	if fallback := issuanceErrorMapper(errors.New("disk on fire")); fallback == nil || fallback.TextCode == "" || fallback.Code == 0 {
		t.Fatalf("expected fallback envelope, got %+v", fallback)
	}
	if issuanceErrorMapper(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}
