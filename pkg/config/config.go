// Package config provides configuration management for tagtrail.
// It loads runtime configuration from environment variables and .env files,
// and pipeline settings (thresholds, accounts, geometry) from a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration.
type Config struct {
	Tagtrail   TagtrailConfig
	Recognizer RecognizerConfig
	Review     ReviewConfig
	Debug      bool
}

// TagtrailConfig represents the data directory configuration.
type TagtrailConfig struct {
	Root         string
	DBPath       string
	StatePath    string
	SettingsPath string
}

// RecognizerConfig represents the external recognition engine configuration.
type RecognizerConfig struct {
	APIURL      string
	AccessToken string
	Timeout     time.Duration
}

// ReviewConfig represents the review decision API configuration.
type ReviewConfig struct {
	Addr  string
	Token string
}

// Load loads configuration from environment variables.
// It automatically loads .env file from the current directory if available.
// You can optionally specify a custom .env file path.
func Load(envPath ...string) (*Config, error) {
	if len(envPath) > 0 && envPath[0] != "" {
		if err := godotenv.Load(envPath[0]); err != nil {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	} else {
		// Try to load .env from current directory (ignore error if not found)
		_ = godotenv.Load()
	}

	timeoutSeconds, err := parseInt64Env("RECOGNIZER_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, fmt.Errorf("invalid RECOGNIZER_TIMEOUT_SECONDS: %w", err)
	}

	root := getEnvOrDefault("TAGTRAIL_ROOT", "./tagtrail")

	config := &Config{
		Tagtrail: TagtrailConfig{
			Root:         root,
			DBPath:       os.Getenv("TAGTRAIL_DB_PATH"),
			StatePath:    os.Getenv("TAGTRAIL_STATE_PATH"),
			SettingsPath: getEnvOrDefault("TAGTRAIL_SETTINGS", filepath.Join(root, "tagtrail.yaml")),
		},
		Recognizer: RecognizerConfig{
			APIURL:      os.Getenv("RECOGNIZER_URL"),
			AccessToken: os.Getenv("RECOGNIZER_TOKEN"),
			Timeout:     time.Duration(timeoutSeconds) * time.Second,
		},
		Review: ReviewConfig{
			Addr:  getEnvOrDefault("REVIEW_ADDR", ":8090"),
			Token: os.Getenv("REVIEW_TOKEN"),
		},
		Debug: os.Getenv("DEBUG") == "true",
	}

	return config, nil
}

// Validate validates the configuration.
// It checks if all required fields are set.
func (c *Config) Validate(required ...[]string) error {
	var missing []string

	for _, path := range required {
		if len(path) < 2 {
			continue
		}

		var value string
		switch path[0] {
		case "tagtrail":
			switch path[1] {
			case "root":
				value = c.Tagtrail.Root
			case "settingsPath":
				value = c.Tagtrail.SettingsPath
			}
		case "recognizer":
			switch path[1] {
			case "apiUrl":
				value = c.Recognizer.APIURL
			case "accessToken":
				value = c.Recognizer.AccessToken
			}
		case "review":
			switch path[1] {
			case "addr":
				value = c.Review.Addr
			case "token":
				value = c.Review.Token
			}
		}

		if value == "" {
			missing = append(missing, strings.Join(path, "."))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %v\nPlease check your .env file or environment variables", missing)
	}

	return nil
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseInt64Env parses an int64 from an environment variable.
// Returns defaultValue if the environment variable is not set.
func parseInt64Env(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value for %s: %s", key, value)
	}

	return parsed, nil
}
