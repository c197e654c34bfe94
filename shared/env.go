package shared

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Getenv reads an environment variable, falling back to def when unset.
// required=true turns an unset variable into an error.
func Getenv(key string, required bool, def string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		if required {
			return "", fmt.Errorf("environment variable %s is required", key)
		}
		return def, nil
	}
	return v, nil
}

func GetenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return n, nil
}

func GetenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return d, nil
}
