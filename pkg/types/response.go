package types

import pkgerrors "github.com/angelmondragon/paybridge/pkg/errors"

type SuccessEnvelope struct {
	Data any `json:"data"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// Probe is the body of liveness and readiness responses.
type Probe struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func Success(data any) SuccessEnvelope {
	return SuccessEnvelope{Data: data}
}

// Failure renders err for a response body. Uncoded errors and INTERNAL_ERROR
// only expose the public message of their code.
func Failure(err error) ErrorEnvelope {
	typed := pkgerrors.As(err)
	if typed == nil {
		typed = pkgerrors.New(pkgerrors.CodeInternal, "")
	}
	code := typed.Code()
	message := typed.Message()
	if message == "" || code == pkgerrors.CodeInternal {
		message = pkgerrors.MetadataFor(code).PublicMessage
	}
	return ErrorEnvelope{Error: APIError{
		Code:    string(code),
		Message: message,
		Details: typed.Details(),
	}}
}
