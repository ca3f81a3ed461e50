package config

import (
	"errors"
	"fmt"
)

// ErrConfiguration is the sentinel all load-time failures wrap. The pipeline
// never starts when it is returned.
var ErrConfiguration = errors.New("invalid pipeline configuration")

// ConfigurationError describes a malformed pipeline document: bad YAML,
// unresolved or cyclic extends, an unknown stage, a malformed rule
// expression.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrConfiguration) match any ConfigurationError.
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func configErrf(err error, format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...), Err: err}
}
