package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadReturnsDefaultsWhenFileMissing(t *testing.T) {
	t.Parallel()

	store := NewStore(filepath.Join(t.TempDir(), "settings.json"))
	cfg, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
}

func TestSaveAndReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "settings.json")
	store := NewStore(path)

	cfg := Defaults()
	cfg.Method = MethodAPI
	cfg.VariantID = "tiny"
	cfg.FallbackEnabled = false
	cfg.IdleTimeout = 30 * time.Second
	require.NoError(t, store.Save(cfg))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestSaveRejectsInvalidSettings(t *testing.T) {
	t.Parallel()

	store := NewStore(filepath.Join(t.TempDir(), "settings.json"))

	cfg := Defaults()
	cfg.VariantID = "super-huge"
	require.Error(t, store.Save(cfg))

	cfg = Defaults()
	cfg.Method = "carrier-pigeon"
	require.Error(t, store.Save(cfg))

	cfg = Defaults()
	cfg.DiskSafetyFactor = 0.5
	require.Error(t, store.Save(cfg))
}

func TestCurrentSeesLiveChanges(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.json")
	store := NewStore(path)

	first, err := store.Current()
	require.NoError(t, err)
	require.Equal(t, MethodLocal, first.Method)

	next := Defaults()
	next.Method = MethodAPI
	require.NoError(t, store.Save(next))

	second, err := store.Current()
	require.NoError(t, err)
	require.Equal(t, MethodAPI, second.Method)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewStore(path).Load()
	require.Error(t, err)
}
