package runtime

import (
	"os"
	"strings"
	"time"
)

// The Resolve* helpers pick a config value with an env-var override and a
// fallback, in that order of preference. "Unset" means zero/empty for the
// config value, so explicit zero cannot be expressed — fields that need
// it take a pointer at the config layer instead.

// ResolveInt returns cfgValue when positive, else envKey when it parses
// positive, else fallback.
func ResolveInt(cfgValue int, envKey string, fallback int) int {
	if cfgValue > 0 {
		return cfgValue
	}
	if v, ok := ParseEnvInt(envKey); ok && v > 0 {
		return v
	}
	return fallback
}

// ResolveDuration returns cfgValue when positive, else envKey when it
// parses positive, else fallback.
func ResolveDuration(cfgValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if cfgValue > 0 {
		return cfgValue
	}
	if v, ok := ParseEnvDuration(envKey); ok && v > 0 {
		return v
	}
	return fallback
}

// ResolveString returns cfgValue when non-blank, else envKey when
// non-blank, else fallback.
func ResolveString(cfgValue string, envKey string, fallback string) string {
	if v := strings.TrimSpace(cfgValue); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return v
	}
	return fallback
}

// ResolveBool lets a set env var override cfgValue; bools have no "unset"
// zero, so the override direction is inverted relative to the other
// helpers.
func ResolveBool(cfgValue bool, envKey string) bool {
	if raw := strings.TrimSpace(os.Getenv(envKey)); raw != "" {
		return ParseBoolValue(raw)
	}
	return cfgValue
}
