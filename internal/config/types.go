package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that decodes from strings like "30m" or "1h30m"
type Duration time.Duration

// Duration returns d as a time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// String returns the duration in time.Duration notation
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Secret is a credential that never prints its value
type Secret string

// Value returns the raw secret
func (s Secret) Value() string {
	return string(s)
}

// IsSet reports whether a value was configured
func (s Secret) IsSet() bool {
	return s != ""
}

// String redacts the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString redacts the secret in %#v output
func (s Secret) GoString() string {
	return s.String()
}
