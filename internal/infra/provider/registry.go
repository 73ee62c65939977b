package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"delivery-core/internal/common/validation"
	"delivery-core/internal/domain/entity"
	"delivery-core/internal/usecase/router"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Provider types understood by Build.
const (
	TypeWeb    = "web"
	TypeCloud  = "cloud"
	TypeClaude = "claude"
	TypeOpenAI = "openai"
)

// File is the provider registration file.
//
//	providers:
//	  - id: web
//	    capability: channel
//	    type: web
//	    priority_order: 1
//	    base_url: http://gateway:8080
//	    rate_per_second: 1
//	    burst: 3
type File struct {
	Providers []Spec `yaml:"providers" validate:"dive"`
}

// Spec registers one provider. Lower PriorityOrder is tried first.
type Spec struct {
	ID            string        `yaml:"id" validate:"required,max=64"`
	Capability    string        `yaml:"capability" validate:"required,oneof=channel inference"`
	Type          string        `yaml:"type" validate:"required,oneof=web cloud claude openai"`
	PriorityOrder int           `yaml:"priority_order" validate:"gte=0"`
	Disabled      bool          `yaml:"disabled"`
	BaseURL       string        `yaml:"base_url" validate:"omitempty,url"`
	TokenEnv      string        `yaml:"token_env"`
	Model         string        `yaml:"model"`
	MaxTokens     int           `yaml:"max_tokens" validate:"gte=0"`
	RatePerSecond float64       `yaml:"rate_per_second" validate:"gte=0"`
	Burst         int           `yaml:"burst" validate:"gte=0"`
	Timeout       time.Duration `yaml:"timeout" validate:"gte=0"`
}

func (s Spec) capabilityForType() entity.Capability {
	if s.Type == TypeClaude || s.Type == TypeOpenAI {
		return entity.CapabilityInference
	}
	return entity.CapabilityChannel
}

// Parse decodes and validates a registration file. Unknown keys are errors.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode providers file: %w", err)
	}
	if err := validation.Struct(f); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(f.Providers))
	for _, s := range f.Providers {
		if seen[s.ID] {
			return nil, &entity.ValidationError{Field: "providers.id", Message: fmt.Sprintf("duplicate provider %q", s.ID)}
		}
		seen[s.ID] = true
		if s.capabilityForType() != entity.Capability(s.Capability) {
			return nil, &entity.ValidationError{
				Field:   "providers.capability",
				Message: fmt.Sprintf("provider %q of type %s cannot serve capability %s", s.ID, s.Type, s.Capability),
			}
		}
		if (s.Type == TypeWeb || s.Type == TypeCloud) && s.BaseURL == "" {
			return nil, &entity.ValidationError{Field: "providers.base_url", Message: fmt.Sprintf("provider %q requires base_url", s.ID)}
		}
	}
	return &f, nil
}

// LoadFile reads and parses the registration file at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	return Parse(data)
}

// Build constructs the provider described by s. Secrets are read from the
// environment variable named by TokenEnv through getenv.
func Build(s Spec, getenv func(string) string) (router.Provider, error) {
	var token string
	if s.TokenEnv != "" {
		token = getenv(s.TokenEnv)
	}

	switch s.Type {
	case TypeWeb:
		return NewWebProvider(HTTPConfig{
			ID: s.ID, BaseURL: s.BaseURL, Token: token, Timeout: s.Timeout,
			RatePerSecond: s.RatePerSecond, Burst: s.Burst,
		}), nil
	case TypeCloud:
		return NewCloudProvider(HTTPConfig{
			ID: s.ID, BaseURL: s.BaseURL, Token: token, Timeout: s.Timeout,
			RatePerSecond: s.RatePerSecond, Burst: s.Burst,
		}), nil
	case TypeClaude:
		return NewClaudeProvider(InferenceConfig{
			ID: s.ID, APIKey: token, BaseURL: s.BaseURL, Model: s.Model, MaxTokens: s.MaxTokens,
		}), nil
	case TypeOpenAI:
		return NewOpenAIProvider(InferenceConfig{
			ID: s.ID, APIKey: token, BaseURL: s.BaseURL, Model: s.Model, MaxTokens: s.MaxTokens,
		}), nil
	}
	return nil, fmt.Errorf("unknown provider type %q: %w", s.Type, entity.ErrInvalidInput)
}

// ChainSetter receives the built chains. *router.Router satisfies it.
type ChainSetter interface {
	SetChain(capability entity.Capability, providers []router.Provider) error
}

// Apply builds every enabled provider in f and installs one chain per
// capability ordered by priority_order, then id. Capabilities with no
// enabled provider get an empty chain.
func Apply(r ChainSetter, f *File, getenv func(string) string) error {
	specs := make([]Spec, 0, len(f.Providers))
	for _, s := range f.Providers {
		if !s.Disabled {
			specs = append(specs, s)
		}
	}
	sort.SliceStable(specs, func(i, j int) bool {
		if specs[i].PriorityOrder != specs[j].PriorityOrder {
			return specs[i].PriorityOrder < specs[j].PriorityOrder
		}
		return specs[i].ID < specs[j].ID
	})

	chains := map[entity.Capability][]router.Provider{
		entity.CapabilityChannel:   {},
		entity.CapabilityInference: {},
	}
	for _, s := range specs {
		p, err := Build(s, getenv)
		if err != nil {
			return fmt.Errorf("build provider %s: %w", s.ID, err)
		}
		chains[p.Capability()] = append(chains[p.Capability()], p)
	}

	for _, capability := range []entity.Capability{entity.CapabilityChannel, entity.CapabilityInference} {
		if err := r.SetChain(capability, chains[capability]); err != nil {
			return err
		}
	}
	return nil
}

// Watch re-reads path whenever it changes and passes the parsed file to
// onChange. Invalid files are logged and skipped, so the last good
// configuration stays active. Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(*File)) error {
	dir := filepath.Dir(path)
	name := filepath.Clean(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	// Editors replace files by rename, so watch the directory.
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		f, err := LoadFile(path)
		if err != nil {
			slog.Error("provider config reload failed, keeping previous configuration",
				slog.String("path", path),
				slog.Any("error", err))
			return
		}
		slog.Info("provider config reloaded",
			slog.String("path", path),
			slog.Int("providers", len(f.Providers)))
		onChange(f)
	}
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, reload)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("provider config watcher error", slog.Any("error", err))
		}
	}
}
