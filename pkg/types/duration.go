package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads "1.5s" style strings, or a plain
// integer number of milliseconds, from YAML and JSON.
type Duration time.Duration

func ParseDuration(s string) (Duration, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative duration %d", ms)
		}
		return Duration(time.Duration(ms) * time.Millisecond), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}

	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}

	return Duration(d), nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	tmp, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = tmp
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	tmp, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = tmp
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}
