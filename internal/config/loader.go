package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a process manifest from the provided path.
func Load(path string) (*Manifest, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}

	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}
	if err := validateAgainstSchema(generic); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	var doc Manifest
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}

	manifestDir := filepath.Dir(absPath)
	rootWorkdir := resolveWorkdir(manifestDir, os.ExpandEnv(doc.Workdir))
	doc.Workdir = rootWorkdir

	for name, proc := range doc.Processes {
		if proc == nil {
			continue
		}
		proc.ResolvedWorkdir = resolveWorkdir(rootWorkdir, os.ExpandEnv(proc.Workdir))
		for i, arg := range proc.Command {
			proc.Command[i] = os.ExpandEnv(arg)
		}

		var inlineEnv map[string]string
		if len(proc.Env) > 0 {
			inlineEnv = make(map[string]string, len(proc.Env))
			for k, v := range proc.Env {
				inlineEnv[k] = os.ExpandEnv(v)
			}
		}

		var fileEnv map[string]string
		if proc.EnvFromFile != "" {
			expanded := os.ExpandEnv(proc.EnvFromFile)
			if !filepath.IsAbs(expanded) {
				expanded = filepath.Clean(filepath.Join(proc.ResolvedWorkdir, expanded))
			}
			proc.EnvFromFile = expanded

			var err error
			fileEnv, err = loadEnvFile(expanded)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", processField(name, "envFromFile"), err)
			}
		}

		// Inline values win over the env file.
		var merged map[string]string
		if len(fileEnv)+len(inlineEnv) > 0 {
			merged = make(map[string]string, len(fileEnv)+len(inlineEnv))
			for k, v := range fileEnv {
				merged[k] = v
			}
			for k, v := range inlineEnv {
				merged[k] = v
			}
		}
		proc.Env = merged
	}

	if err := doc.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return &doc, nil
}

func resolveWorkdir(base, workdir string) string {
	if workdir == "" {
		return base
	}
	if filepath.IsAbs(workdir) {
		return filepath.Clean(workdir)
	}
	return filepath.Clean(filepath.Join(base, workdir))
}

func loadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	values := make(map[string]string)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		raw = strings.TrimSpace(strings.TrimPrefix(raw, "export "))
		key, value, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("load env file %q: invalid line %d", path, lineNo)
		}
		value, err := parseEnvValue(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("load env file %q: %s on line %d: %w", path, key, lineNo, err)
		}
		values[key] = os.ExpandEnv(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	return values, nil
}

func parseEnvValue(value string) (string, error) {
	switch {
	case strings.HasPrefix(value, `"`):
		if len(value) < 2 || !strings.HasSuffix(value, `"`) {
			return "", fmt.Errorf("unmatched quote")
		}
		return strconv.Unquote(value)
	case strings.HasPrefix(value, "'"):
		if len(value) < 2 || !strings.HasSuffix(value, "'") {
			return "", fmt.Errorf("unmatched quote")
		}
		return value[1 : len(value)-1], nil
	}
	if comment := strings.IndexRune(value, '#'); comment >= 0 {
		value = strings.TrimSpace(value[:comment])
	}
	return value, nil
}
