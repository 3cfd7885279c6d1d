// Package store manages model files on disk: download with checksum
// validation, corruption detection, deletion, and disk-space
// preflight. It is the only component that mutates model files.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fmueller/voxengine/internal/catalog"
	"github.com/fmueller/voxengine/internal/events"
	"github.com/fmueller/voxengine/internal/fault"
)

// Status describes the lifecycle of one model file.
type Status string

const (
	StatusNotDownloaded Status = "not-downloaded"
	StatusDownloading   Status = "downloading"
	StatusVerifying     Status = "verifying"
	StatusReady         Status = "ready"
	StatusCorrupted     Status = "corrupted"
	StatusFailed        Status = "failed"
)

// ModelFile is the tracked on-disk state for one variant.
type ModelFile struct {
	VariantID       string
	Path            string
	DownloadedBytes int64
	TotalBytes      int64
	Status          Status
	LastValidatedAt time.Time
}

// Entry pairs a catalog variant with its current file state, for
// presentation layers.
type Entry struct {
	Variant catalog.Variant
	File    ModelFile
}

// ProgressFunc receives throttled download progress.
type ProgressFunc func(downloaded, total int64)

// DefaultSafetyFactor is the multiple of the model size that must be
// free on disk before a download starts.
const DefaultSafetyFactor = 1.2

// Options configures a Store. Zero values get sensible defaults.
type Options struct {
	Dir          string
	HTTPClient   *http.Client
	Logger       *zap.Logger
	Bus          *events.Bus
	SafetyFactor float64

	// Variants overrides the built-in catalog, for tests.
	Variants []catalog.Variant

	// FreeSpace overrides disk-space probing, for tests.
	FreeSpace func(dir string) (int64, error)
}

// Store downloads, validates, lists, and deletes model files.
type Store struct {
	dir          string
	client       *http.Client
	logger       *zap.Logger
	bus          *events.Bus
	safetyFactor float64
	freeSpace    func(dir string) (int64, error)
	variants     []catalog.Variant

	mu       sync.Mutex
	files    map[string]ModelFile
	reserved map[string]int64
}

// New creates a Store rooted at opts.Dir. Files already on disk are
// picked up as Ready; they were checksum-validated when downloaded and
// can be re-checked with Validate.
func New(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fault.Configuration("model directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(0)
	}
	if opts.SafetyFactor < 1 {
		opts.SafetyFactor = DefaultSafetyFactor
	}
	if opts.FreeSpace == nil {
		opts.FreeSpace = freeDiskSpace
	}
	if opts.Variants == nil {
		opts.Variants = catalog.Variants()
	}

	s := &Store{
		dir:          opts.Dir,
		client:       opts.HTTPClient,
		logger:       opts.Logger,
		bus:          opts.Bus,
		safetyFactor: opts.SafetyFactor,
		freeSpace:    opts.FreeSpace,
		variants:     opts.Variants,
		files:        make(map[string]ModelFile),
		reserved:     make(map[string]int64),
	}

	for _, variant := range s.variants {
		file := ModelFile{
			VariantID:  variant.ID,
			Path:       s.path(variant),
			TotalBytes: variant.ByteSize,
			Status:     StatusNotDownloaded,
		}
		if info, err := os.Stat(file.Path); err == nil && !info.IsDir() {
			file.DownloadedBytes = info.Size()
			// A size mismatch means the file was truncated or replaced
			// outside the store; never trust it as ready.
			if info.Size() == variant.ByteSize {
				file.Status = StatusReady
			} else {
				file.Status = StatusCorrupted
			}
		}
		s.files[variant.ID] = file
	}

	return s, nil
}

// Dir returns the directory model files live in.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(variant catalog.Variant) string {
	return filepath.Join(s.dir, variant.FileName)
}

func (s *Store) lookup(variantID string) (catalog.Variant, bool) {
	for _, variant := range s.variants {
		if variant.ID == variantID {
			return variant, true
		}
	}
	return catalog.Variant{}, false
}

// List returns every catalog entry annotated with its current status.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	variants := s.variants
	entries := make([]Entry, 0, len(variants))
	for _, variant := range variants {
		entries = append(entries, Entry{Variant: variant, File: s.files[variant.ID]})
	}
	return entries
}

// FileState returns the tracked state for one variant.
func (s *Store) FileState(variantID string) (ModelFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, ok := s.files[variantID]
	if !ok {
		return ModelFile{}, fault.Configuration("unknown model variant %q", variantID)
	}
	return file, nil
}

// ReadyPath returns the on-disk path for a variant that is Ready. A
// tracked-Ready file that has vanished is reported as missing and the
// state reset, so callers can offer a re-download.
func (s *Store) ReadyPath(variantID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, ok := s.files[variantID]
	if !ok {
		return "", fault.Configuration("unknown model variant %q", variantID)
	}
	if file.Status != StatusReady {
		return "", fault.ModelMissing(variantID)
	}

	if _, err := os.Stat(file.Path); err != nil {
		file.Status = StatusNotDownloaded
		file.DownloadedBytes = 0
		s.files[variantID] = file
		s.publishStatusLocked(file)
		return "", fault.ModelMissing(variantID)
	}

	return file.Path, nil
}

// Download fetches the variant's model file over HTTPS, validating
// its SHA-256 against the catalog before the file becomes visible at
// its final path. onProgress may be nil; progress is throttled.
//
// The disk preflight accounts for space reserved by downloads already
// in flight, so concurrent downloads of distinct variants cannot
// overcommit the disk. No bytes are written when the preflight fails.
func (s *Store) Download(ctx context.Context, variantID string, onProgress ProgressFunc) error {
	variant, ok := s.lookup(variantID)
	if !ok {
		return fault.Configuration("unknown model variant %q", variantID)
	}

	required := int64(float64(variant.ByteSize) * s.safetyFactor)

	s.mu.Lock()
	if s.files[variantID].Status == StatusDownloading {
		s.mu.Unlock()
		return fault.Configuration("download already in progress for %q", variantID)
	}

	free, err := s.freeSpace(s.dir)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	for _, r := range s.reserved {
		free -= r
	}
	if free < required {
		s.mu.Unlock()
		return fault.DiskSpace(required, free)
	}

	s.reserved[variantID] = required
	s.setFileLocked(variantID, func(f *ModelFile) {
		f.Status = StatusDownloading
		f.DownloadedBytes = 0
		f.TotalBytes = variant.ByteSize
	})
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.reserved, variantID)
		s.mu.Unlock()
	}()

	err = s.downloadOnce(ctx, variant, onProgress)
	if err != nil {
		s.setFile(variantID, func(f *ModelFile) {
			f.Status = StatusFailed
			f.DownloadedBytes = 0
		})
		s.logger.Warn("model download failed", zap.String("variant", variantID), zap.Error(err))
		return err
	}

	s.setFile(variantID, func(f *ModelFile) {
		f.Status = StatusReady
		f.DownloadedBytes = variant.ByteSize
		f.LastValidatedAt = time.Now()
	})
	s.logger.Info("model downloaded", zap.String("variant", variantID), zap.Int64("bytes", variant.ByteSize))
	return nil
}

func (s *Store) downloadOnce(ctx context.Context, variant catalog.Variant, onProgress ProgressFunc) error {
	destination := s.path(variant)
	tempPath := destination + ".part"
	_ = os.Remove(tempPath)

	outFile, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	success := false
	defer func() {
		_ = outFile.Close()
		if !success {
			_ = os.Remove(tempPath)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, variant.URL, nil)
	if err != nil {
		return fault.Network("create request", err)
	}
	req.Header.Set("User-Agent", "voxengine/1")

	resp, err := s.client.Do(req)
	if err != nil {
		return fault.Network("download request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fault.Network("unexpected status code", &httpStatusError{code: resp.StatusCode})
	}

	total := resp.ContentLength
	if total <= 0 {
		total = variant.ByteSize
	}

	hash := sha256.New()
	progress := newProgressWriter(total, func(downloaded, totalBytes int64) {
		s.setFile(variant.ID, func(f *ModelFile) {
			f.DownloadedBytes = downloaded
		})
		s.bus.Publish(events.Event{
			Type:       events.TypeDownloadProgress,
			VariantID:  variant.ID,
			Downloaded: downloaded,
			Total:      totalBytes,
		})
		if onProgress != nil {
			onProgress(downloaded, totalBytes)
		}
	})

	if _, err := io.Copy(io.MultiWriter(outFile, hash, progress), resp.Body); err != nil {
		return fault.Network("download body", err)
	}
	progress.finish()

	if err := outFile.Sync(); err != nil {
		return err
	}

	s.setFile(variant.ID, func(f *ModelFile) {
		f.Status = StatusVerifying
	})

	actual := hex.EncodeToString(hash.Sum(nil))
	expected := strings.ToLower(variant.SHA256)
	if actual != expected {
		return fault.ChecksumMismatch(variant.ID, expected, actual)
	}

	if err := outFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tempPath, destination); err != nil {
		return err
	}

	success = true
	return nil
}

// Validate recomputes the checksum of an existing model file to
// detect on-disk corruption.
func (s *Store) Validate(variantID string) error {
	variant, ok := s.lookup(variantID)
	if !ok {
		return fault.Configuration("unknown model variant %q", variantID)
	}

	path := s.path(variant)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.setFile(variantID, func(mf *ModelFile) {
				mf.Status = StatusNotDownloaded
				mf.DownloadedBytes = 0
			})
			return fault.ModelMissing(variantID)
		}
		return err
	}
	defer f.Close()

	s.setFile(variantID, func(mf *ModelFile) {
		mf.Status = StatusVerifying
	})

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return err
	}

	actual := hex.EncodeToString(hash.Sum(nil))
	if actual != strings.ToLower(variant.SHA256) {
		s.setFile(variantID, func(mf *ModelFile) {
			mf.Status = StatusCorrupted
		})
		return fault.CorruptedModel(variantID)
	}

	s.setFile(variantID, func(mf *ModelFile) {
		mf.Status = StatusReady
		mf.LastValidatedAt = time.Now()
	})
	return nil
}

// Delete removes the variant's model file. Deleting an absent file
// succeeds.
func (s *Store) Delete(variantID string) error {
	variant, ok := s.lookup(variantID)
	if !ok {
		return fault.Configuration("unknown model variant %q", variantID)
	}

	path := s.path(variant)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = os.Remove(path + ".part")

	s.setFile(variantID, func(f *ModelFile) {
		f.Status = StatusNotDownloaded
		f.DownloadedBytes = 0
		f.LastValidatedAt = time.Time{}
	})
	return nil
}

func (s *Store) setFile(variantID string, mutate func(*ModelFile)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := s.files[variantID]
	before := file.Status
	mutate(&file)
	s.files[variantID] = file

	if file.Status != before {
		s.publishStatusLocked(file)
	}
}

func (s *Store) setFileLocked(variantID string, mutate func(*ModelFile)) {
	file := s.files[variantID]
	before := file.Status
	mutate(&file)
	s.files[variantID] = file

	if file.Status != before {
		s.publishStatusLocked(file)
	}
}

func (s *Store) publishStatusLocked(file ModelFile) {
	s.bus.Publish(events.Event{
		Type:      events.TypeModelStatusChanged,
		VariantID: file.VariantID,
		Status:    string(file.Status),
	})
}

type httpStatusError struct {
	code int
}

func (e *httpStatusError) Error() string {
	return "http status " + strconv.Itoa(e.code)
}
