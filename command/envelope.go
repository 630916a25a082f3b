package command

import (
	"context"
	"encoding/json"
	"errors"

	"taskhub/files"
	"taskhub/model"
	"taskhub/store"
)

const (
	ActionCreateTask       = "CREATE_TASK"
	ActionGetTasks         = "GET_TASKS"
	ActionGetTask          = "GET_TASK"
	ActionUpdateTask       = "UPDATE_TASK"
	ActionDeleteTask       = "DELETE_TASK"
	ActionGetNotifications = "GET_NOTIFICATIONS"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

type Code string

const (
	CodeValidation  Code = "VALIDATION_FAILED"
	CodeNotFound    Code = "NOT_FOUND"
	CodeBadRequest  Code = "BAD_REQUEST"
	CodeTooLarge    Code = "TOO_LARGE"
	CodeUnavailable Code = "UNAVAILABLE"
	CodeInternal    Code = "INTERNAL"
)

// ErrBadRequest marks malformed envelopes and payloads.
var ErrBadRequest = errors.New("bad request")

type Request struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type Response struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Code    Code   `json:"code,omitempty"`
}

func (r Response) OK() bool { return r.Status == StatusSuccess }

// Handler executes one envelope. Implementations never return transport
// errors; every failure becomes an error response.
type Handler interface {
	Handle(ctx context.Context, req Request) Response
}

func Success(data any) Response {
	return Response{Status: StatusSuccess, Data: data}
}

func Failure(code Code, msg string) Response {
	return Response{Status: StatusError, Code: code, Message: msg}
}

// FromError maps a component error onto the envelope. Errors outside the
// known taxonomy are reported as "internal error" without detail.
func FromError(err error) Response {
	switch {
	case errors.Is(err, model.ErrValidation):
		return Failure(CodeValidation, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, files.ErrNotFound):
		return Failure(CodeNotFound, err.Error())
	case errors.Is(err, ErrBadRequest):
		return Failure(CodeBadRequest, err.Error())
	case errors.Is(err, files.ErrTooLarge):
		return Failure(CodeTooLarge, err.Error())
	default:
		return Failure(CodeInternal, "internal error")
	}
}

// Decode parses one envelope. A missing action is a bad request.
func Decode(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, badRequest("invalid JSON envelope")
	}
	if req.Action == "" {
		return Request{}, badRequest("missing 'action' field")
	}
	return req, nil
}

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string        { return e.msg }
func (e *badRequestError) Is(target error) bool { return target == ErrBadRequest }

func badRequest(msg string) error { return &badRequestError{msg: msg} }
