// Package config provides the fabric's shared configuration contract:
// a single Validate helper every component's exported Config struct can
// run its "validate" struct tags through, and environment binding for
// the process-level settings that choose which components a caller
// wires up.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

// Validate runs struct-tag validation (`validate:"..."`) against cfg.
// Every component's exported Config type in this module carries these
// tags; callers assembling a Config by hand (rather than through
// DefaultConfig) are expected to call this before passing it to New.
func Validate(cfg interface{}) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// LoadDotEnv loads a .env file into the process environment if path
// exists, silently doing nothing if it doesn't — used by cmd/demo so a
// developer's local .env is picked up without requiring one in CI or
// production, where real environment variables are set directly.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
