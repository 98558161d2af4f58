package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a defaults file from the provided path. The workdir is
// resolved against the file's directory, the env file (if any) is loaded,
// and the merged environment ends up in File.Env with inline values taking
// precedence.
func Load(path string) (*File, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	var doc File
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}
	if err := doc.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	baseDir := filepath.Dir(absPath)
	if doc.Workdir != "" {
		doc.Workdir = resolveWorkdir(baseDir, os.ExpandEnv(doc.Workdir))
	}

	inline := doc.Env
	doc.Env = nil
	if len(inline) > 0 {
		merged := make(map[string]string, len(inline))
		for k, v := range inline {
			merged[k] = os.ExpandEnv(v)
		}
		doc.Env = merged
	}

	if doc.EnvFromFile != "" {
		expanded := os.ExpandEnv(doc.EnvFromFile)
		if !filepath.IsAbs(expanded) {
			expanded = filepath.Clean(filepath.Join(baseDir, expanded))
		}
		doc.EnvFromFile = expanded

		fileEnv, err := loadEnvFile(expanded)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", absPath, err)
		}
		if len(fileEnv) > 0 {
			if doc.Env == nil {
				doc.Env = make(map[string]string, len(fileEnv))
			}
			for k, v := range fileEnv {
				if _, ok := doc.Env[k]; !ok {
					doc.Env[k] = v
				}
			}
		}
	}

	return &doc, nil
}

func resolveWorkdir(base, workdir string) string {
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
		if strings.HasPrefix(raw, "export ") {
			raw = strings.TrimSpace(raw[len("export "):])
		}
		sep := strings.IndexRune(raw, '=')
		if sep <= 0 {
			return nil, fmt.Errorf("load env file %q: invalid line %d", path, lineNo)
		}
		key := strings.TrimSpace(raw[:sep])
		if key == "" {
			return nil, fmt.Errorf("load env file %q: invalid key on line %d", path, lineNo)
		}
		value := strings.TrimSpace(raw[sep+1:])
		if strings.HasPrefix(value, "\"") {
			if len(value) < 2 || value[len(value)-1] != '"' {
				return nil, fmt.Errorf("load env file %q: unmatched quote on line %d", path, lineNo)
			}
			unquoted, err := strconv.Unquote(value)
			if err != nil {
				return nil, fmt.Errorf("load env file %q: parse value for %s on line %d: %w", path, key, lineNo, err)
			}
			value = unquoted
		} else if strings.HasPrefix(value, "'") {
			if len(value) < 2 || value[len(value)-1] != '\'' {
				return nil, fmt.Errorf("load env file %q: unmatched quote on line %d", path, lineNo)
			}
			value = value[1 : len(value)-1]
		} else if comment := strings.IndexRune(value, '#'); comment >= 0 {
			value = strings.TrimSpace(value[:comment])
		}
		values[key] = os.ExpandEnv(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	return values, nil
}
