package util

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const environmentPrefix = "REDONGO_"

func GetEnvironmentVariables() map[string]string {
	environmentVariables := map[string]string{}

	for _, variable := range os.Environ() {
		pair := strings.SplitN(variable, "=", 2)
		if len(pair) != 2 || !strings.HasPrefix(pair[0], environmentPrefix) {
			continue
		}

		environmentVariables[pair[0]] = pair[1]
	}

	return environmentVariables
}

// EnvironmentInt reads an integer variable, leaving target untouched if unset
func EnvironmentInt(env map[string]string, key string, target *int) error {
	value := env[key]
	if value == "" {
		return nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return &EnvironmentError{Key: key, Value: value, Err: err}
	}
	*target = n

	return nil
}

func EnvironmentDuration(env map[string]string, key string, target *time.Duration) error {
	value := env[key]
	if value == "" {
		return nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return &EnvironmentError{Key: key, Value: value, Err: err}
	}
	*target = d

	return nil
}

func EnvironmentString(env map[string]string, key string, target *string) {
	if value := env[key]; value != "" {
		*target = value
	}
}

type EnvironmentError struct {
	Key   string
	Value string
	Err   error
}

func (e *EnvironmentError) Error() string {
	return "invalid value " + strconv.Quote(e.Value) + " for " + e.Key + ": " + e.Err.Error()
}

func (e *EnvironmentError) Unwrap() error {
	return e.Err
}
