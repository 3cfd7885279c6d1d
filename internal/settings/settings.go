// Package settings persists transcription preferences. The
// orchestrator reads them fresh on every call so changes made while
// the app runs take effect immediately.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fmueller/voxengine/internal/catalog"
)

// Method selects which transcription backend serves a request.
type Method string

const (
	MethodAPI   Method = "api"
	MethodLocal Method = "local"
)

// Settings holds user preferences and tunables.
type Settings struct {
	Method           Method        `json:"method"`
	VariantID        string        `json:"variantId"`
	FallbackEnabled  bool          `json:"fallbackEnabled"`
	Language         string        `json:"language"`
	IdleTimeout      time.Duration `json:"idleTimeout"`
	DiskSafetyFactor float64       `json:"diskSafetyFactor"`
}

// Defaults returns the settings used when nothing is persisted yet.
func Defaults() Settings {
	return Settings{
		Method:           MethodLocal,
		VariantID:        catalog.DefaultVariant,
		FallbackEnabled:  true,
		Language:         "auto",
		IdleTimeout:      5 * time.Minute,
		DiskSafetyFactor: 1.2,
	}
}

// Validate checks fields that other components depend on.
func (s Settings) Validate() error {
	switch s.Method {
	case MethodAPI, MethodLocal:
	default:
		return fmt.Errorf("unknown transcription method %q", s.Method)
	}

	if _, ok := catalog.Lookup(s.VariantID); !ok {
		return fmt.Errorf("unknown model variant %q", s.VariantID)
	}

	if s.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must not be negative")
	}

	if s.DiskSafetyFactor < 1 {
		return fmt.Errorf("disk safety factor must be at least 1")
	}

	return nil
}

// Source yields the current settings. Implementations must return
// fresh values on every call.
type Source interface {
	Current() (Settings, error)
}

// Static is a Source that always returns the same settings. Useful
// for tests and one-shot CLI invocations.
type Static struct {
	Settings Settings
}

func (s Static) Current() (Settings, error) {
	return s.Settings, nil
}

// Store persists settings in a single JSON file on disk and serves as
// a Source by re-reading the file per call.
type Store struct {
	path string
}

// NewStore creates a JSON-backed settings store.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads settings from disk or returns defaults when missing.
func (s *Store) Load() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Defaults(), nil
		}
		return Settings{}, err
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Settings{}, err
	}

	return cfg, nil
}

// Save writes settings as indented JSON and creates parent directories.
func (s *Store) Save(cfg Settings) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(s.path, data, 0o644)
}

// Current implements Source.
func (s *Store) Current() (Settings, error) {
	return s.Load()
}
