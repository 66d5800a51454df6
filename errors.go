package callkit

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// UncheckedError is used in places where we really do not care about an error but we
// want to at least report it. Never use this for closing writers.
func UncheckedError(err error) {
	uncheckedError(err)
}

func uncheckedError(err error) {
	if err == nil {
		return
	}
	Logger.Debugw("unchecked error", "error", err)
}

// UncheckedErrorFunc is used in places where we really do not care about an error but we
// want to at least report it. Never use this for closing writers.
func UncheckedErrorFunc(f func() error) {
	uncheckedError(f())
}

// FilterOutError returns nil if the errors are the same or if err is a multierr
// made up only of target. Otherwise err is returned with target removed.
func FilterOutError(err, target error) error {
	if err == nil {
		return nil
	}
	if target == nil {
		return err
	}
	var kept []error
	for _, e := range multierr.Errors(err) {
		if errors.Is(e, target) {
			continue
		}
		kept = append(kept, e)
	}
	return multierr.Combine(kept...)
}
