package models

import (
	"errors"
	"fmt"
)

// ErrMissingCommonSpacing is wrapped by the ConfigurationError returned when
// a resampling step has no target spacing.
var ErrMissingCommonSpacing = errors.New("missing common spacing")

// ConfigurationError reports an invalid or missing setting. It is fatal and
// raised during setup.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError builds a ConfigurationError with a formatted reason.
func NewConfigurationError(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// DataIntegrityError reports a sample that cannot be processed: an
// unreadable or malformed volume file, or an image/mask mismatch. It is
// fatal for that sample and never silently skipped.
type DataIntegrityError struct {
	SampleID string
	Path     string
	Err      error
}

func (e *DataIntegrityError) Error() string {
	switch {
	case e.SampleID != "" && e.Path != "":
		return fmt.Sprintf("sample %s: %s: %v", e.SampleID, e.Path, e.Err)
	case e.SampleID != "":
		return fmt.Sprintf("sample %s: %v", e.SampleID, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	}
	return e.Err.Error()
}

func (e *DataIntegrityError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err carries a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsDataIntegrityError reports whether err carries a DataIntegrityError.
func IsDataIntegrityError(err error) bool {
	var de *DataIntegrityError
	return errors.As(err, &de)
}
