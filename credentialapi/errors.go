package credentialapi

import (
	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeNotConfigured   = "CREDENTIAL_API_NOT_CONFIGURED"
	TextCodeRequestFailed   = "CREDENTIAL_API_REQUEST_FAILED"
	TextCodeInvalidResponse = "CREDENTIAL_API_INVALID_RESPONSE"
	TextCodeInternal        = "CREDENTIAL_API_INTERNAL_ERROR"
)

func apiError(
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func apiWrapError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	textCode string,
	metadata map[string]any,
) error {
	if source == nil {
		return apiError(message, category, code, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}
