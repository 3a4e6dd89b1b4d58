// Package dotenv applies KEY=VALUE pairs from a local env file to the
// process environment. Real environment variables always win over file
// values.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultFile is the conventional env file name looked for in the working
// directory.
const DefaultFile = ".env"

// Load reads the file at path and sets every pair that is not already
// present in the environment. A missing file is not an error.
func Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open env file %q: %w", path, err)
	}
	defer f.Close()

	pairs, err := Parse(f)
	if err != nil {
		return fmt.Errorf("env file %q: %w", path, err)
	}
	for key, val := range pairs {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("set %s from %q: %w", key, path, err)
		}
	}
	return nil
}

// Parse reads dotenv syntax: one KEY=VALUE per line, blank lines and #
// comments skipped, an optional "export " prefix tolerated, and single or
// double quotes stripped from values. Unquoted values lose trailing inline
// comments.
func Parse(r io.Reader) (map[string]string, error) {
	pairs := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, val, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		pairs[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func parseLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")

	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", false
	}

	val = strings.TrimSpace(val)
	switch {
	case len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"':
		val = val[1 : len(val)-1]
	case len(val) >= 2 && val[0] == '\'' && val[len(val)-1] == '\'':
		val = val[1 : len(val)-1]
	default:
		if before, _, hasComment := strings.Cut(val, " #"); hasComment {
			val = strings.TrimSpace(before)
		}
	}
	return key, val, true
}
