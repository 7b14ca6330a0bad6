package config

import (
	"encoding/json"
	"fmt"
	"time"

	"pairlink/pkg/utils"
)

// Size is a byte count that accepts either a JSON number or a
// human-friendly string such as "16KiB".
type Size int64

// Set parses a human-friendly size.
func (s *Size) Set(v string) error {
	n, err := utils.ParseDataSize(v)
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

func (s Size) String() string { return utils.FormatDataSize(int64(s)) }

func (s *Size) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*s = Size(v)
	case string:
		if err := s.Set(v); err != nil {
			return fmt.Errorf("invalid size format: %w", err)
		}
	default:
		return fmt.Errorf("size must be a number or string, got %T", v)
	}
	return nil
}

func (s Size) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(s))
}

// Duration accepts "500ms"-style strings or a number of seconds.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(v * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("duration must be a number or string, got %T", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}
