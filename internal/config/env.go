package config

import (
	"os"
	"strconv"
	"time"
)

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parsed returns def when key is unset or parse rejects its value.
func parsed[T any](key string, def T, parse func(string) (T, error)) T {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	out, err := parse(v)
	if err != nil {
		return def
	}
	return out
}

func getEnvBool(key string, def bool) bool {
	return parsed(key, def, strconv.ParseBool)
}

func getEnvInt(key string, def int) int {
	return parsed(key, def, strconv.Atoi)
}

func getEnvInt64(key string, def int64) int64 {
	return parsed(key, def, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
}

func getEnvFloat(key string, def float64) float64 {
	return parsed(key, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

// getEnvDuration accepts Go duration strings such as "90m" or "48h".
// Non-positive durations fall back to def.
func getEnvDuration(key string, def time.Duration) time.Duration {
	d := parsed(key, def, time.ParseDuration)
	if d <= 0 {
		return def
	}
	return d
}
