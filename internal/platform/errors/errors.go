package errors

import stderrors "errors"

// New mirrors errors.New so callers only import this package.
func New(text string) error { return stderrors.New(text) }

// Is mirrors errors.Is.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As mirrors errors.As.
func As(err error, target any) bool { return stderrors.As(err, target) }
