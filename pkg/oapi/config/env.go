package config

import (
	"os"
	"strings"
)

// dotenvWanted reports whether a local .env file should be loaded. The
// ENVIRONMENT variable is read directly because envconfig has not run yet.
func dotenvWanted() bool {
	switch strings.ToLower(os.Getenv("ENVIRONMENT")) {
	case "", "dev", "development", "local":
		return true
	}
	return false
}

// IsProd is true for "production" and "prod" in any case.
func (c *EnvConfig) IsProd() bool {
	env := strings.ToLower(c.Environment)
	return env == "production" || env == "prod"
}
