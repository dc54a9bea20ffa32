package data

import (
	"errors"
	"fmt"

	jobdomain "github.com/target/dwas-scanner/internal/domain/job"
	apperrors "github.com/target/dwas-scanner/internal/errors"
)

// Classify maps repository errors onto application error codes for the service layer.
// Known sentinels keep their identity through errors.Is.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrJobNotFound):
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "job not found")
	case errors.Is(err, jobdomain.ErrInvalidTransition):
		return apperrors.Wrap(err, apperrors.ErrCodeConflict, err.Error())
	}

	mapped := apperrors.MapDBError(err)
	if apperrors.GetCode(mapped) != "" {
		return mapped
	}
	return fmt.Errorf("job store: %w", err)
}
