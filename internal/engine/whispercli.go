package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fmueller/voxengine/internal/audio"
)

// WhisperCLI runs inference through a whisper-cli executable. The
// process boundary means a crashed inference never takes the host
// application down with it.
type WhisperCLI struct {
	Executable string
	Logger     *zap.Logger
}

type cliHandle struct {
	modelPath string
}

func (h *cliHandle) ModelPath() string {
	return h.modelPath
}

// NewWhisperCLI locates a whisper-cli executable, honoring the
// VOXENGINE_WHISPER_PATH override.
func NewWhisperCLI(logger *zap.Logger) (*WhisperCLI, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if override := strings.TrimSpace(os.Getenv("VOXENGINE_WHISPER_PATH")); override != "" {
		if err := ensureExecutable(override); err != nil {
			return nil, fmt.Errorf("VOXENGINE_WHISPER_PATH is not executable: %w", err)
		}
		return &WhisperCLI{Executable: override, Logger: logger}, nil
	}

	selfExe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable path: %w", err)
	}

	whisperExe, err := resolveEnginePath(selfExe)
	if err != nil {
		return nil, err
	}

	return &WhisperCLI{Executable: whisperExe, Logger: logger}, nil
}

func resolveEnginePath(selfExecutable string) (string, error) {
	for _, candidate := range enginePathCandidates(selfExecutable) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("whisper engine not found near %s; expected at ../libexec/whisper/%s or set VOXENGINE_WHISPER_PATH", selfExecutable, engineBinaryName())
}

func enginePathCandidates(selfExecutable string) []string {
	binDir := filepath.Dir(selfExecutable)
	engineName := engineBinaryName()

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", engineName),
		filepath.Join(binDir, "libexec", "whisper", engineName),
		filepath.Join(binDir, engineName),
	}
}

// Load verifies the model file is present and plausible. The process
// engine defers the real memory mapping to the inference call, but a
// malformed file is still rejected up front.
func (w *WhisperCLI) Load(_ context.Context, modelPath string) (Handle, error) {
	info, err := os.Stat(modelPath)
	if err != nil {
		return nil, fmt.Errorf("stat model file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("model path %s is a directory", modelPath)
	}
	if info.Size() == 0 {
		return nil, errors.New("model file is empty")
	}

	if err := ensureExecutable(w.Executable); err != nil {
		return nil, fmt.Errorf("whisper engine missing or not executable: %w", err)
	}

	return &cliHandle{modelPath: modelPath}, nil
}

// Infer writes the samples to a temporary WAV and execs the engine.
func (w *WhisperCLI) Infer(ctx context.Context, handle Handle, req InferRequest) (string, error) {
	h, ok := handle.(*cliHandle)
	if !ok || h == nil {
		return "", errors.New("handle was not produced by this engine")
	}

	wavPath, cleanupWAV, err := writeTempWAV(req.Samples)
	if err != nil {
		return "", err
	}
	defer cleanupWAV()

	outBase := filepath.Join(os.TempDir(), fmt.Sprintf("voxengine-%d", time.Now().UnixNano()))
	txtOut := outBase + ".txt"

	args := []string{"-m", h.modelPath, "-f", wavPath, "-nt", "-otxt", "-of", outBase}
	lang := strings.TrimSpace(req.Language)
	if lang != "" && lang != "auto" {
		args = append(args, "-l", lang)
	}

	cmd := exec.CommandContext(ctx, w.Executable, args...)
	var stderr bytes.Buffer
	cmd.Stdout = ioDiscard{}
	cmd.Stderr = &stderr

	w.log().Debug("running whisper engine", zap.String("engine", w.Executable), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		errText := strings.TrimSpace(stderr.String())
		if isMissingSharedLibraryError(errText) {
			return "", fmt.Errorf("whisper engine at %s is missing required shared libraries (%s)", w.Executable, errText)
		}
		if isIllegalInstructionError(errText) || isIllegalInstructionError(err.Error()) {
			return "", fmt.Errorf("whisper engine crashed with an illegal CPU instruction; " +
				"set VOXENGINE_WHISPER_PATH to a whisper-cli binary built for your CPU")
		}
		return "", fmt.Errorf("whisper inference failed: %w (%s)", err, errText)
	}

	defer os.Remove(txtOut)
	content, err := os.ReadFile(txtOut)
	if err != nil {
		return "", fmt.Errorf("read whisper output: %w", err)
	}

	return strings.TrimSpace(string(content)), nil
}

// Unload releases the handle. The process engine holds no persistent
// native memory between inference calls.
func (w *WhisperCLI) Unload(handle Handle) {
	if h, ok := handle.(*cliHandle); ok && h != nil {
		h.modelPath = ""
	}
}

func (w *WhisperCLI) log() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

func writeTempWAV(samples []float32) (string, func(), error) {
	f, err := os.CreateTemp("", "voxengine-*.wav")
	if err != nil {
		return "", nil, fmt.Errorf("create temp wav: %w", err)
	}

	if err := audio.EncodeWAV(f, samples); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", nil, err
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", nil, fmt.Errorf("close temp wav: %w", err)
	}

	path := f.Name()
	return path, func() { _ = os.Remove(path) }, nil
}

type ioDiscard struct{}

func (ioDiscard) Write(p []byte) (int, error) {
	return len(p), nil
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	patterns := []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	}

	for _, pattern := range patterns {
		if strings.Contains(value, pattern) {
			return true
		}
	}

	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}
