package process

import (
	"path/filepath"
	"sort"

	"github.com/joho/godotenv"

	"github.com/core-tools/memstack/pkg/errors"
)

// BuildEnvironment layers base, then every env file in order, then explicit
// values. exec.Cmd keeps the last value of a duplicated key.
func BuildEnvironment(base []string, envFiles []string, explicit map[string]string, workDir string) ([]string, error) {
	env := make([]string, 0, len(base)+len(explicit))
	env = append(env, base...)

	for _, file := range envFiles {
		path := file
		if !filepath.IsAbs(path) && workDir != "" {
			path = filepath.Join(workDir, path)
		}
		values, err := godotenv.Read(path)
		if err != nil {
			return nil, errors.NewIOError("failed to read env file", err).WithContext("env_file", path)
		}
		env = appendSorted(env, values)
	}

	return appendSorted(env, explicit), nil
}

func appendSorted(env []string, values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+values[k])
	}
	return env
}
