package errors

type ErrorCode string

const (
	CodeInvalidRequest ErrorCode = "invalid_request"
	CodeInvalidAmount  ErrorCode = "invalid_amount"
	CodeNotFound       ErrorCode = "not_found"
	CodeInternal       ErrorCode = "internal_error"
)

type ServiceError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (se ServiceError) Error() string {
	return se.Message
}

func (se ServiceError) Unwrap() error {
	return se.Err
}

// New wraps err with a code and a client-facing message.
func New(code ErrorCode, message string, err error) ServiceError {
	return ServiceError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
