package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// EnsureEnvFile writes a starter .env at path when none exists, with a
// freshly generated session secret. It reports whether a file was created.
func EnsureEnvFile(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	secret, err := generateSecret(32)
	if err != nil {
		return false, err
	}

	env := map[string]string{
		"SESSION_SECRET":   secret,
		"DATABASE_PATH":    "projectshelf.db",
		"PROJECTSHELF_ENV": "development",
	}
	if err := godotenv.Write(env, path); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		return true, fmt.Errorf("failed to restrict %s: %w", path, err)
	}
	return true, nil
}

// LoadEnvFile loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func generateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
