package agent

import (
	"errors"
	"fmt"
)

// 错误类别，配合 errors.Is 使用
var (
	ErrMissingConfig      = errors.New("agent configuration missing")
	ErrSandboxUnavailable = errors.New("sandbox unavailable")
	ErrMalformedSandbox   = errors.New("sandbox is missing the repository")
	ErrEmptyResponse      = errors.New("agent returned an empty response")
	ErrInvalidOutput      = errors.New("agent returned malformed output")
)

// Error 带操作名和类别的 Agent 错误
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("agent %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("agent %s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 让 errors.Is(err, ErrMissingConfig) 之类的判断生效
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func newError(op string, kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}
