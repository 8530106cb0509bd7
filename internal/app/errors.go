package app

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAlreadyRunning is returned when Run is called twice.
var ErrAlreadyRunning = errors.New("app: already running")

// StartupError means the process never reached Running. Whatever had
// been started was torn down before Run returned.
type StartupError struct {
	Step string
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup failed at %s: %v", e.Step, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ShutdownError reports an unclean stop: a fatal error that ended the
// Running phase (Cause), shutdown steps that failed, or both.
type ShutdownError struct {
	Cause  error
	Failed []string
	Errs   []error
}

func (e *ShutdownError) Error() string {
	var b strings.Builder
	if e.Cause != nil {
		fmt.Fprintf(&b, "fatal: %v", e.Cause)
	}
	if len(e.Failed) > 0 {
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "shutdown steps failed: %s", strings.Join(e.Failed, ", "))
	}
	return b.String()
}

func (e *ShutdownError) Unwrap() []error {
	out := make([]error, 0, len(e.Errs)+1)
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return append(out, e.Errs...)
}
