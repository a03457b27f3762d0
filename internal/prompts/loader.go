// Package prompts holds the bundled coaching templates used when a run has
// no linked configuration. Templates are JSON files embedded at compile time.
package prompts

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"
	"sync"
)

//go:embed *.json
var promptFiles embed.FS

// CoachingFile holds the default coaching templates
const CoachingFile = "coaching.json"

// Keys within CoachingFile
const (
	KeySystem    = "system"
	KeyDeveloper = "developer"
	KeyUser      = "user"
)

var (
	loadOnce  sync.Once
	templates map[string]map[string]string
	loadErr   error
)

// load parses every embedded file once per process
func load() (map[string]map[string]string, error) {
	loadOnce.Do(func() {
		names, err := fs.Glob(promptFiles, "*.json")
		if err != nil {
			loadErr = err
			return
		}
		templates = make(map[string]map[string]string, len(names))
		for _, name := range names {
			data, err := promptFiles.ReadFile(name)
			if err != nil {
				loadErr = fmt.Errorf("failed to read prompt file %s: %w", name, err)
				return
			}
			var entries map[string]string
			if err := json.Unmarshal(data, &entries); err != nil {
				loadErr = fmt.Errorf("failed to parse prompt file %s: %w", name, err)
				return
			}
			templates[name] = entries
		}
	})
	return templates, loadErr
}

// Get returns the template stored under key in filename
func Get(filename, key string) (string, error) {
	all, err := load()
	if err != nil {
		return "", err
	}
	entries, ok := all[filename]
	if !ok {
		return "", fmt.Errorf("prompt file %s is not bundled", filename)
	}
	tmpl, ok := entries[key]
	if !ok {
		return "", fmt.Errorf("prompt key %q not found in %s", key, filename)
	}
	return tmpl, nil
}

// MustGet is Get for bundled keys known at compile time; it panics on a miss
func MustGet(filename, key string) string {
	tmpl, err := Get(filename, key)
	if err != nil {
		panic(fmt.Sprintf("failed to load prompt: %v", err))
	}
	return tmpl
}

// Format replaces {{.Key}} placeholders with values from data. Unknown
// placeholders are left in place. Substitution is single-pass, so values
// containing placeholder text are inserted verbatim.
func Format(template string, data map[string]string) string {
	pairs := make([]string, 0, 2*len(data))
	for key, value := range data {
		pairs = append(pairs, fmt.Sprintf("{{.%s}}", key), value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
