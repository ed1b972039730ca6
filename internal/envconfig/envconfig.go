// Package envconfig loads a KEY=VALUE file (e.g. one mounted by a container
// orchestrator as a secrets file) and merges it into the process environment
// before flags are parsed, for deployments that prefer a file over setting
// process environment variables directly.
package envconfig

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-envparse"
)

// LoadFile parses path as KEY=VALUE lines and calls os.Setenv for each,
// without overwriting a variable already present in the environment
// (explicit environment variables win over the file).
func LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("envconfig: open %s: %w", path, err)
	}
	defer f.Close()

	vars, err := envparse.Parse(f)
	if err != nil {
		return fmt.Errorf("envconfig: parse %s: %w", path, err)
	}
	for k, v := range vars {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("envconfig: setenv %s: %w", k, err)
		}
	}
	return nil
}
