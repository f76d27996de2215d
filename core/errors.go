package core

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-issuance/ratelimit"
)

const (
	ErrorTextBadInput      = "ISSUANCE_BAD_INPUT"
	ErrorTextNotFound      = "ISSUANCE_NOT_FOUND"
	ErrorTextLockTimeout   = "ISSUANCE_LOCK_TIMEOUT"
	ErrorTextInvalidState  = "ISSUANCE_INVALID_STATE"
	ErrorTextRateLimited   = ratelimit.TextCodeRateLimited
	ErrorTextUpstreamError = "ISSUANCE_UPSTREAM_ERROR"
	ErrorTextInternal      = "ISSUANCE_INTERNAL_ERROR"
)

func issuanceErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}
	var throttled ratelimit.ThrottledError
	if errors.As(err, &throttled) {
		return ensureErrorEnvelope(throttled.ToServiceError())
	}

	switch {
	case errors.Is(err, ErrIssuanceNotFound):
		return newIssuanceError(err.Error(), goerrors.CategoryNotFound, ErrorTextNotFound)
	case errors.Is(err, ErrLockTimeout):
		return newIssuanceError(err.Error(), goerrors.CategoryConflict, ErrorTextLockTimeout)
	case errors.Is(err, ErrInvalidIssuanceStatusTransition), errors.Is(err, ErrAttemptsDecreased):
		return newIssuanceError(err.Error(), goerrors.CategoryConflict, ErrorTextInvalidState)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not found"):
		return newIssuanceError(err.Error(), goerrors.CategoryNotFound, ErrorTextNotFound)
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return newIssuanceError(err.Error(), goerrors.CategoryRateLimit, ErrorTextRateLimited)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newIssuanceError(err.Error(), goerrors.CategoryBadInput, ErrorTextBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func newIssuanceError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = issuanceHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultIssuanceTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultIssuanceTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorTextBadInput
	case goerrors.CategoryNotFound:
		return ErrorTextNotFound
	case goerrors.CategoryConflict:
		return ErrorTextInvalidState
	case goerrors.CategoryRateLimit:
		return ErrorTextRateLimited
	case goerrors.CategoryOperation:
		return ErrorTextUpstreamError
	default:
		return ErrorTextInternal
	}
}

func issuanceHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryOperation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
