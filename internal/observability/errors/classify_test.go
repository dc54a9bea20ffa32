package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"io/fs"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/target/dwas-scanner/internal/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"app error", fmt.Errorf("get job: %w", apperrors.NotFound("job not found")), "not_found"},
		{"deadline", fmt.Errorf("run semgrep: %w", context.DeadlineExceeded), "deadline_exceeded"},
		{"canceled", context.Canceled, "canceled"},
		{"exit", fmt.Errorf("tool: %w", &exec.ExitError{}), "exit_error"},
		{"path error", fmt.Errorf("open: %w", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrNotExist}), "errors_errorstring"},
		{"plain", goerrors.New("boom"), "errors_errorstring"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
