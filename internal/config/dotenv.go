package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// LoadDotenv loads variables from the given files (default ".env") into the
// process environment without overriding variables already set. Missing
// files are ignored.
func LoadDotenv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}
