package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

const DEFAULT_ENV_FILENAME = ".env"

// InitEnvironmentVariables loads envFile into the process environment. A
// missing file is not an error; variables already set are not overridden.
func InitEnvironmentVariables(envFile string) error {
	if envFile == "" {
		envFile = DEFAULT_ENV_FILENAME
	}

	if err := godotenv.Load(envFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debugf("no %s file found, using process environment", envFile)
			return nil
		}

		return fmt.Errorf("failed to load %s file: %w", envFile, err)
	}

	log.Debugf("loaded environment from %s", envFile)
	return nil
}

func GetEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("$%s not set", key)
	}

	return value, nil
}

// GetEnvOrDefault returns the value of key, or fallback when it is unset.
func GetEnvOrDefault(key, fallback string) string {
	if value, err := GetEnv(key); err == nil {
		return value
	}

	return fallback
}
