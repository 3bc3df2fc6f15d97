// ABOUTME: Deployment environment classification (production, staging, development)
// ABOUTME: NETRA_ENV overrides the config file; unknown values classify as production

package config

import (
	"os"
	"strings"
)

// EnvironmentVar overrides the environment key of the config file.
const EnvironmentVar = "NETRA_ENV"

// Environment is a deployment classification.
type Environment string

const (
	Production  Environment = "production"
	Staging     Environment = "staging"
	Development Environment = "development"
)

// Classify maps a free-form environment name to a classification.
// Anything unrecognized, including the empty string, is production.
func Classify(name string) Environment {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "staging", "stage", "preprod":
		return Staging
	case "development", "dev", "local", "test", "testing", "e2e", "ci":
		return Development
	default:
		return Production
	}
}

// EnvironmentClass returns the classification of this process: NETRA_ENV
// when set, otherwise the config file's environment key.
func (c *Config) EnvironmentClass() Environment {
	if v, ok := os.LookupEnv(EnvironmentVar); ok && strings.TrimSpace(v) != "" {
		return Classify(v)
	}
	return Classify(c.Environment)
}
