// Package bundles resolves the prompt/model configuration a run is analyzed with.
package bundles

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonathan/meeting-coach/internal/prompts"
	"github.com/jonathan/meeting-coach/internal/types"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Default bundle identity, used when a request links no configuration
const (
	DefaultID      = "default"
	DefaultVersion = "1"
)

// Source looks up stored configuration bundles. A missing bundle is (nil, nil).
type Source interface {
	GetConfig(ctx context.Context, id string) (*types.ConfigBundle, error)
}

// Defaults are the engine-level fallbacks for model settings
type Defaults struct {
	Model           string
	MaxOutputTokens int
}

// Bundle is the immutable configuration a run is analyzed with
type Bundle struct {
	ID              string
	Version         string
	SystemPrompt    string
	DeveloperBlock  string
	Model           string
	MaxOutputTokens int
	// Default is true when no stored configuration was found
	Default bool
}

// Ref is the "<id>@<version>" string folded into the run idempotency key.
// The bundled default has no stored version to bump, so its ref also
// carries the model settings it was resolved with.
func (b Bundle) Ref() string {
	if b.Default {
		return fmt.Sprintf("%s@%s+%s:%d", b.ID, b.Version, b.Model, b.MaxOutputTokens)
	}
	return b.ID + "@" + b.Version
}

// Resolver resolves bundles by id, caching stored ones
type Resolver struct {
	source   Source
	defaults Defaults
	cache    *cache.Cache
	logger   *zap.Logger
}

// NewResolver creates a resolver. source may be nil, in which case every
// lookup resolves to the bundled default.
func NewResolver(source Source, defaults Defaults, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		source:   source,
		defaults: defaults,
		cache:    cache.New(5*time.Minute, 10*time.Minute),
		logger:   logger.Named("bundles"),
	}
}

// Resolve returns the bundle for configID. An empty or unknown id yields the
// bundled default; only a failing source returns an error.
func (r *Resolver) Resolve(ctx context.Context, configID string) (Bundle, error) {
	configID = strings.TrimSpace(configID)
	if configID == "" || r.source == nil {
		return r.Default(), nil
	}

	if cached, found := r.cache.Get(configID); found {
		return cached.(Bundle), nil
	}

	stored, err := r.source.GetConfig(ctx, configID)
	if err != nil {
		return Bundle{}, fmt.Errorf("failed to load config %s: %w", configID, err)
	}
	if stored == nil {
		r.logger.Warn("linked config not found, using bundled default", zap.String("config_id", configID))
		return r.Default(), nil
	}

	b := r.fromStored(stored)
	r.cache.Set(configID, b, cache.DefaultExpiration)
	return b, nil
}

// Default returns the bundled default configuration
func (r *Resolver) Default() Bundle {
	return Bundle{
		ID:              DefaultID,
		Version:         DefaultVersion,
		SystemPrompt:    prompts.MustGet(prompts.CoachingFile, prompts.KeySystem),
		DeveloperBlock:  DefaultDeveloperBlock(),
		Model:           r.defaults.Model,
		MaxOutputTokens: r.defaults.MaxOutputTokens,
		Default:         true,
	}
}

// Invalidate drops a cached bundle, e.g. after the stored config changed
func (r *Resolver) Invalidate(configID string) {
	r.cache.Delete(configID)
}

func (r *Resolver) fromStored(c *types.ConfigBundle) Bundle {
	def := r.Default()
	b := Bundle{
		ID:              c.ID,
		Version:         c.Version,
		SystemPrompt:    c.SystemPrompt,
		DeveloperBlock:  c.TaxonomyBlock,
		Model:           c.Model,
		MaxOutputTokens: c.MaxOutputTokens,
	}
	if b.Version == "" {
		b.Version = DefaultVersion
	}
	if b.SystemPrompt == "" {
		b.SystemPrompt = def.SystemPrompt
	}
	if b.DeveloperBlock == "" {
		b.DeveloperBlock = def.DeveloperBlock
	}
	if b.Model == "" {
		b.Model = def.Model
	}
	if b.MaxOutputTokens <= 0 {
		b.MaxOutputTokens = def.MaxOutputTokens
	}
	return b
}

// DefaultDeveloperBlock renders the bundled taxonomy/schema description
func DefaultDeveloperBlock() string {
	var patterns strings.Builder
	for i, p := range types.PatternOrder {
		fmt.Fprintf(&patterns, "%d. %s\n", i+1, p)
	}
	return prompts.Format(prompts.MustGet(prompts.CoachingFile, prompts.KeyDeveloper), map[string]string{
		"SchemaVersion":   types.SchemaVersion,
		"TaxonomyVersion": types.TaxonomyVersion,
		"OutputMode":      types.OutputMode,
		"Patterns":        strings.TrimRight(patterns.String(), "\n"),
	})
}
