package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads .env.local then .env from the current directory,
// mirroring the teacher's LoadEnvFiles: later files never override
// variables a shell already exported, and a missing file is not an error.
func LoadDotEnv() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// StreamingEnabled reports whether LLM streaming is enabled via
// SAIVERSE_LLM_STREAMING (default: enabled).
func StreamingEnabled() bool {
	switch os.Getenv("SAIVERSE_LLM_STREAMING") {
	case "false", "0", "off", "no":
		return false
	default:
		return true
	}
}
