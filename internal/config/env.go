package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvOr returns the value of key, or def when it is unset or blank.
func EnvOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func EnvIntOr(key string, def int) int {
	n, err := strconv.Atoi(EnvOr(key, ""))
	if err != nil {
		return def
	}
	return n
}

// EnvBoolOr accepts 1/0 as well as the forms understood by strconv.ParseBool.
func EnvBoolOr(key string, def bool) bool {
	b, err := strconv.ParseBool(EnvOr(key, ""))
	if err != nil {
		return def
	}
	return b
}

// EnvMillisOr reads a duration expressed in milliseconds.
func EnvMillisOr(key string, def time.Duration) time.Duration {
	n, err := strconv.ParseInt(EnvOr(key, ""), 10, 64)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

// SplitList splits a comma separated list, dropping blank items.
func SplitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
