package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"meshdeploy/pkg/utils"
)

// DataSize is a byte count that config files may write as a number or as a
// human-friendly string such as "4KiB" or "512MB".
type DataSize int64

func (d *DataSize) set(v any) error {
	switch v := v.(type) {
	case float64:
		*d = DataSize(v)
	case int:
		*d = DataSize(v)
	case int64:
		*d = DataSize(v)
	case string:
		n, err := utils.ParseDataSize(v)
		if err != nil {
			return err
		}
		*d = DataSize(n)
	case nil:
	default:
		return fmt.Errorf("size must be a number or string, got %T", v)
	}
	if *d < 0 {
		return fmt.Errorf("size cannot be negative")
	}
	return nil
}

func (d *DataSize) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *DataSize) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d DataSize) String() string { return utils.FormatDataSize(int64(d)) }

// Duration accepts Go duration strings ("1s", "500ms") or a number of seconds.
type Duration time.Duration

func (d *Duration) set(v any) error {
	switch v := v.(type) {
	case float64:
		*d = Duration(v * float64(time.Second))
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case nil:
	default:
		return fmt.Errorf("duration must be a string or number of seconds, got %T", v)
	}
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) Std() time.Duration { return time.Duration(d) }
