// Package commons holds the JSON envelope shared by every HTTP endpoint the
// bridge serves. Provider callback acks use their own wire shape and do not
// go through it.
package commons

// Response wraps an API payload so clients can branch on Success before
// decoding Data. Errors carries field-level validation messages.
type Response[T any] struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Data    *T       `json:"data,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

func SuccessResponse[T any](message string, data T) Response[T] {
	return Response[T]{
		Success: true,
		Message: message,
		Data:    &data,
	}
}

func ErrorResponse[T any](message string, errors ...string) Response[T] {
	return Response[T]{
		Success: false,
		Message: message,
		Errors:  errors,
	}
}
