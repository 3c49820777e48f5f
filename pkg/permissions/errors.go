package permissions

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports a rejected scope, forum or permission key
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NotFoundError reports a missing forum (or other resource)
type NotFoundError struct {
	Resource string
	ID       int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %d", e.Resource, e.ID)
}

// IsValidation reports whether err is (or wraps) a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// EditFailure is a matrix edit that could not be applied
type EditFailure struct {
	Edit EditKey
	Err  error
}

// MatrixError collects the edits of one batch that failed. The rest of the batch
// was applied.
type MatrixError struct {
	Failures []EditFailure
}

func (e *MatrixError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("forum %d/%s: %v", f.Edit.ForumID, f.Edit.Permission, f.Err))
	}
	return fmt.Sprintf("%d matrix edit(s) failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the individual edit errors to errors.Is / errors.As
func (e *MatrixError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
