// Package errors turns errors into low-cardinality labels for metric tags.
package errors

import (
	"context"
	goerrors "errors"
	"os/exec"
	"reflect"
	"strings"

	apperrors "github.com/target/dwas-scanner/internal/errors"
)

// Classify returns a short snake_case label for err. Classified application
// errors use their code, context and process errors get fixed labels, and
// anything else is named after its innermost concrete type.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var appErr *apperrors.AppError
	if goerrors.As(err, &appErr) && appErr.Code != "" {
		return string(appErr.Code)
	}
	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	}
	var exitErr *exec.ExitError
	if goerrors.As(err, &exitErr) {
		return "exit_error"
	}

	for {
		inner := goerrors.Unwrap(err)
		if inner == nil {
			break
		}
		err = inner
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}
	name := strings.ReplaceAll(strings.ToLower(t.String()), ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
