package config

// Secret is a string that redacts itself in logs, printf verbs and
// marshalled output. Call Value to get the raw string.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string { return redacted }

func (s Secret) GoString() string { return redacted }

func (s Secret) MarshalYAML() (interface{}, error) { return redacted, nil }

func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

// Value returns the underlying secret.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether the secret is non-empty.
func (s Secret) IsSet() bool { return len(s) > 0 }
