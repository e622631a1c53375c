package registry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	iso8601 "github.com/senseyeio/duration"
	"gopkg.in/yaml.v3"
)

// Duration accepts Go duration strings ("30s"), ISO-8601 durations ("PT30S")
// or a bare number of seconds
type Duration time.Duration

var durationReference = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

func ParseDuration(value string) (Duration, error) {
	value = strings.TrimSpace(value)

	if strings.HasPrefix(strings.ToUpper(value), "P") {
		isoDuration, err := iso8601.ParseISO8601(strings.ToUpper(value))
		if err != nil {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", value, err)
		}

		return Duration(isoDuration.Shift(durationReference).Sub(durationReference)), nil
	}

	if d, err := time.ParseDuration(value); err == nil {
		return Duration(d), nil
	}

	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		return Duration(seconds * float64(time.Second)), nil
	}

	return 0, fmt.Errorf("invalid duration %q", value)
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err == nil {
		*d = Duration(seconds * float64(time.Second))
		return nil
	}

	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds: %w", err)
	}

	parsed, err := ParseDuration(value)
	if err != nil {
		return err
	}
	*d = parsed

	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = parsed

	return nil
}
