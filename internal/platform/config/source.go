package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// source layers the explicit map over the process environment over the dotenv file.
type source struct {
	layers []map[string]string
}

func newSource(options loaderOptions) (source, error) {
	dotenv, err := readDotEnv(options.envFile)
	if err != nil {
		return source{}, err
	}
	var layers []map[string]string
	if options.envMap != nil {
		layers = append(layers, options.envMap)
	}
	if options.useSystemEnv {
		layers = append(layers, processEnv())
	}
	if dotenv != nil {
		layers = append(layers, dotenv)
	}
	return source{layers: layers}, nil
}

func readDotEnv(path string) (map[string]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}

func processEnv() map[string]string {
	values := make(map[string]string)
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		values[key] = value
	}
	return values
}

func (s source) lookup(key string) (string, bool) {
	for _, layer := range s.layers {
		if value, ok := layer[key]; ok {
			return value, true
		}
	}
	return "", false
}

// merged flattens the layers, higher precedence winning.
func (s source) merged() map[string]string {
	out := make(map[string]string)
	for i := len(s.layers) - 1; i >= 0; i-- {
		for key, value := range s.layers[i] {
			out[key] = value
		}
	}
	return out
}

func (s source) str(key, fallback string) string {
	if value, ok := s.lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func (s source) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s.str(key, "")); err == nil {
		return d
	}
	return fallback
}

func (s source) integer(key string, fallback int) int {
	if n, err := strconv.Atoi(s.str(key, "")); err == nil {
		return n
	}
	return fallback
}

func (s source) float(key string, fallback float64) float64 {
	if f, err := strconv.ParseFloat(s.str(key, ""), 64); err == nil {
		return f
	}
	return fallback
}

func (s source) flag(key string, fallback bool) bool {
	switch strings.ToLower(s.str(key, "")) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

// list splits a comma separated value, dropping blanks.
func (s source) list(key string) []string {
	out := []string{}
	for _, part := range strings.Split(s.str(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// pairs parses "name=value,name=value" with lower-cased names.
func (s source) pairs(key string) map[string]string {
	out := make(map[string]string)
	for _, entry := range s.list(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}
