package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// knownVariables are the names read by ApplyEnv.
var knownVariables = []string{
	"ENVIRONMENT",
	"LOGGING_LEVEL",
	"CODA_API_TOKEN",
	"API_KEY",
	"LISTEN_ADDR",
	"CODA_BASE_URL",
	"RATE_LIMIT_WINDOW",
	"DATA_DIR",
	"RUN_HISTORY_PASSPHRASE",
	"MERGE_TABLE_CONFIG",
}

// loadDotenv resolves variables from .env, then .env.<environment>, then the
// process environment. It returns the candidate file paths so they can be
// watched even when they do not exist yet.
func loadDotenv(dir, environment string, lookup func(string) (string, bool)) (map[string]string, []string, error) {
	files := []string{
		filepath.Join(dir, ".env"),
		filepath.Join(dir, ".env."+strings.TrimSpace(environment)),
	}
	out := make(map[string]string)
	for _, path := range files {
		values, err := godotenv.Read(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, nil, fmt.Errorf("read %s: %w", path, err)
		}
		for k, v := range values {
			out[k] = v
		}
	}
	for _, name := range knownVariables {
		if v, ok := lookup(name); ok {
			out[name] = v
		}
	}
	return out, files, nil
}
