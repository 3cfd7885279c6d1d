package transcribe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fmueller/voxengine/internal/audio"
	"github.com/fmueller/voxengine/internal/catalog"
	"github.com/fmueller/voxengine/internal/engine"
	"github.com/fmueller/voxengine/internal/fault"
	"github.com/fmueller/voxengine/internal/store"
)

type fakeHandle struct {
	variantID string
	path      string
}

func (h *fakeHandle) ModelPath() string {
	return h.path
}

// fakeRuntime records load/unload/infer activity and enforces the
// engine's no-concurrent-infer contract.
type fakeRuntime struct {
	mu        sync.Mutex
	loads     int
	unloads   int
	live      int
	maxLive   int
	infers    int
	inferring bool
	calls     []string
	languages []string

	loadErr error
	inferFn func(ctx context.Context, handle engine.Handle, req engine.InferRequest) (string, error)
}

func (r *fakeRuntime) Load(_ context.Context, modelPath string) (engine.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loadErr != nil {
		return nil, r.loadErr
	}

	r.loads++
	r.live++
	if r.live > r.maxLive {
		r.maxLive = r.live
	}
	r.calls = append(r.calls, "load:"+filepath.Base(modelPath))
	return &fakeHandle{path: modelPath}, nil
}

func (r *fakeRuntime) Infer(ctx context.Context, handle engine.Handle, req engine.InferRequest) (string, error) {
	r.mu.Lock()
	if r.inferring {
		r.mu.Unlock()
		return "", errors.New("concurrent inference detected")
	}
	r.inferring = true
	r.infers++
	r.calls = append(r.calls, "infer")
	r.languages = append(r.languages, req.Language)
	fn := r.inferFn
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inferring = false
		r.mu.Unlock()
	}()

	if fn != nil {
		return fn(ctx, handle, req)
	}
	return "transcript", nil
}

func (r *fakeRuntime) Unload(handle engine.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unloads++
	r.live--
	if h, ok := handle.(*fakeHandle); ok {
		r.calls = append(r.calls, "unload:"+filepath.Base(h.path))
	} else {
		r.calls = append(r.calls, "unload")
	}
}

func (r *fakeRuntime) snapshot() (loads, unloads, infers, maxLive int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads, r.unloads, r.infers, r.maxLive
}

func readyVariant(t *testing.T, dir, id string) catalog.Variant {
	t.Helper()

	payload := []byte("model-" + id)
	sum := sha256.Sum256(payload)
	variant := catalog.Variant{
		ID:          id,
		FileName:    "ggml-" + id + ".bin",
		URL:         "https://unused.invalid/" + id,
		ByteSize:    int64(len(payload)),
		SHA256:      hex.EncodeToString(sum[:]),
		SpeedRating: 3,
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, variant.FileName), payload, 0o644))
	return variant
}

func newLocalForTest(t *testing.T, runtime *fakeRuntime, idleTimeout time.Duration, variantIDs ...string) *Local {
	t.Helper()

	dir := t.TempDir()
	variants := make([]catalog.Variant, 0, len(variantIDs))
	for _, id := range variantIDs {
		variants = append(variants, readyVariant(t, dir, id))
	}

	s, err := store.New(store.Options{
		Dir:      dir,
		Variants: variants,
		FreeSpace: func(string) (int64, error) {
			return 1 << 30, nil
		},
	})
	require.NoError(t, err)

	local, err := NewLocal(LocalOptions{
		Store:       s,
		Runtime:     runtime,
		IdleTimeout: idleTimeout,
	})
	require.NoError(t, err)
	t.Cleanup(local.Close)
	return local
}

func testClip() audio.Clip {
	return audio.Clip{
		Samples:    make([]float32, audio.EngineSampleRate/10),
		SampleRate: audio.EngineSampleRate,
		Channels:   1,
	}
}

func TestTranscribeLoadsModelAndReturnsText(t *testing.T) {
	t.Parallel()

	runtime := &fakeRuntime{}
	local := newLocalForTest(t, runtime, time.Minute, "tiny")

	result, err := local.Transcribe(context.Background(), testClip(), Options{VariantID: "tiny"})
	require.NoError(t, err)
	require.Equal(t, "transcript", result.Text)
	require.Equal(t, ServedByLocal, result.ServedBy)
	require.NotEmpty(t, result.JobID)

	require.Equal(t, StateReady, local.State())
	require.Equal(t, "tiny", local.ResidentVariantID())

	loads, unloads, infers, _ := runtime.snapshot()
	require.Equal(t, 1, loads)
	require.Equal(t, 0, unloads)
	require.Equal(t, 1, infers)
}

func TestTranscribeForwardsLanguageToEngine(t *testing.T) {
	t.Parallel()

	runtime := &fakeRuntime{}
	local := newLocalForTest(t, runtime, time.Minute, "tiny")

	_, err := local.Transcribe(context.Background(), testClip(), Options{VariantID: "tiny", Language: "de"})
	require.NoError(t, err)
	_, err = local.Transcribe(context.Background(), testClip(), Options{VariantID: "tiny", Language: "auto"})
	require.NoError(t, err)

	runtime.mu.Lock()
	languages := append([]string(nil), runtime.languages...)
	runtime.mu.Unlock()
	require.Equal(t, []string{"de", "auto"}, languages)
}

func TestTranscribeUnknownVariant(t *testing.T) {
	t.Parallel()

	local := newLocalForTest(t, &fakeRuntime{}, time.Minute, "tiny")

	_, err := local.Transcribe(context.Background(), testClip(), Options{VariantID: "super-huge"})
	require.Equal(t, fault.KindConfiguration, fault.KindOf(err))
}

func TestTranscribeModelNotDownloaded(t *testing.T) {
	t.Parallel()

	runtime := &fakeRuntime{}
	dir := t.TempDir()
	variant := readyVariant(t, dir, "tiny")
	require.NoError(t, os.Remove(filepath.Join(dir, variant.FileName)))

	s, err := store.New(store.Options{
		Dir:      dir,
		Variants: []catalog.Variant{variant},
		FreeSpace: func(string) (int64, error) {
			return 1 << 30, nil
		},
	})
	require.NoError(t, err)

	local, err := NewLocal(LocalOptions{Store: s, Runtime: runtime})
	require.NoError(t, err)
	t.Cleanup(local.Close)

	_, err = local.Transcribe(context.Background(), testClip(), Options{VariantID: "tiny"})
	require.Equal(t, fault.KindModelMissing, fault.KindOf(err))
}

func TestResultsResolveInSubmissionOrder(t *testing.T) {
	t.Parallel()

	firstRunning := make(chan struct{})
	releaseFirst := make(chan struct{})

	var mu sync.Mutex
	var inferOrder []int

	runtime := &fakeRuntime{}
	runtime.inferFn = func(_ context.Context, _ engine.Handle, req engine.InferRequest) (string, error) {
		n := len(req.Samples)
		mu.Lock()
		inferOrder = append(inferOrder, n)
		first := len(inferOrder) == 1
		mu.Unlock()

		if first {
			close(firstRunning)
			<-releaseFirst
			// The long first job finishes last in wall time only if
			// something overtakes it; FIFO forbids that.
			time.Sleep(20 * time.Millisecond)
		}
		return fmt.Sprintf("len-%d", n), nil
	}

	local := newLocalForTest(t, runtime, time.Minute, "tiny")

	clipOf := func(n int) audio.Clip {
		return audio.Clip{Samples: make([]float32, n), SampleRate: audio.EngineSampleRate, Channels: 1}
	}

	var wg sync.WaitGroup
	submit := func(n int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := local.Transcribe(context.Background(), clipOf(n), Options{VariantID: "tiny"})
			require.NoError(t, err)
			require.Equal(t, fmt.Sprintf("len-%d", n), result.Text)
		}()
	}

	submit(100)
	<-firstRunning
	submit(2)
	require.Eventually(t, func() bool {
		return local.QueueLen() == 1
	}, time.Second, time.Millisecond)
	submit(3)
	require.Eventually(t, func() bool {
		return local.QueueLen() == 2
	}, time.Second, time.Millisecond)

	close(releaseFirst)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{100, 2, 3}, inferOrder)
}

func TestSingleResidencyAcrossVariantSwaps(t *testing.T) {
	t.Parallel()

	runtime := &fakeRuntime{}
	local := newLocalForTest(t, runtime, time.Minute, "tiny", "base")

	for i := 0; i < 3; i++ {
		_, err := local.Transcribe(context.Background(), testClip(), Options{VariantID: "tiny"})
		require.NoError(t, err)
		_, err = local.Transcribe(context.Background(), testClip(), Options{VariantID: "base"})
		require.NoError(t, err)
	}

	_, _, _, maxLive := runtime.snapshot()
	require.Equal(t, 1, maxLive)
}

func TestVariantSwapDeferredBehindQueuedJobs(t *testing.T) {
	t.Parallel()

	firstRunning := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	runtime := &fakeRuntime{}
	runtime.inferFn = func(_ context.Context, _ engine.Handle, _ engine.InferRequest) (string, error) {
		once.Do(func() {
			close(firstRunning)
			<-release
		})
		return "ok", nil
	}

	local := newLocalForTest(t, runtime, time.Minute, "tiny", "base")

	var wg sync.WaitGroup
	submit := func(variantID string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := local.Transcribe(context.Background(), testClip(), Options{VariantID: variantID})
			require.NoError(t, err)
		}()
	}

	submit("tiny")
	<-firstRunning
	submit("tiny")
	require.Eventually(t, func() bool {
		return local.QueueLen() == 1
	}, time.Second, time.Millisecond)
	submit("base")
	require.Eventually(t, func() bool {
		return local.QueueLen() == 2
	}, time.Second, time.Millisecond)

	close(release)
	wg.Wait()

	runtime.mu.Lock()
	calls := append([]string(nil), runtime.calls...)
	runtime.mu.Unlock()

	require.Equal(t, []string{
		"load:ggml-tiny.bin",
		"infer",
		"infer",
		"unload:ggml-tiny.bin",
		"load:ggml-base.bin",
		"infer",
	}, calls)
}

func TestIdleEvictionUnloadsWhenQueueEmpty(t *testing.T) {
	t.Parallel()

	runtime := &fakeRuntime{}
	local := newLocalForTest(t, runtime, 50*time.Millisecond, "tiny")

	_, err := local.Transcribe(context.Background(), testClip(), Options{VariantID: "tiny"})
	require.NoError(t, err)
	require.Equal(t, "tiny", local.ResidentVariantID())

	require.Eventually(t, func() bool {
		return local.State() == StateUnloaded
	}, time.Second, 10*time.Millisecond)
	require.Empty(t, local.ResidentVariantID())

	_, unloads, _, _ := runtime.snapshot()
	require.Equal(t, 1, unloads)

	// The next job re-enters Loading before Ready.
	_, err = local.Transcribe(context.Background(), testClip(), Options{VariantID: "tiny"})
	require.NoError(t, err)

	loads, _, _, _ := runtime.snapshot()
	require.Equal(t, 2, loads)
}

func TestEvictionNeverOverlapsEnqueuedWork(t *testing.T) {
	t.Parallel()

	runtime := &fakeRuntime{}
	local := newLocalForTest(t, runtime, 5*time.Millisecond, "tiny")

	// Submissions timed around the idle deadline: each job either
	// reuses the resident model or reloads after an eviction, but it
	// must always succeed and inference stays strictly serial.
	for i := 0; i < 25; i++ {
		result, err := local.Transcribe(context.Background(), testClip(), Options{VariantID: "tiny"})
		require.NoError(t, err)
		require.Equal(t, "transcript", result.Text)
		time.Sleep(time.Duration(i%3+4) * time.Millisecond)
	}

	loads, unloads, infers, maxLive := runtime.snapshot()
	require.Equal(t, 25, infers)
	require.Equal(t, 1, maxLive)
	require.GreaterOrEqual(t, loads, unloads)
}

func TestIdleTimerDoesNotFireWhileJobsQueued(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	running := make(chan struct{}, 8)

	runtime := &fakeRuntime{}
	runtime.inferFn = func(_ context.Context, _ engine.Handle, _ engine.InferRequest) (string, error) {
		running <- struct{}{}
		<-release
		return "ok", nil
	}

	local := newLocalForTest(t, runtime, 75*time.Millisecond, "tiny")

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := local.Transcribe(context.Background(), testClip(), Options{VariantID: "tiny"})
			require.NoError(t, err)
		}()
	}

	// Let the idle timeout elapse several times over while jobs are
	// still in flight or queued.
	<-running
	time.Sleep(300 * time.Millisecond)
	close(release)
	wg.Wait()

	_, unloads, infers, _ := runtime.snapshot()
	require.Equal(t, 3, infers)
	require.Zero(t, unloads)
}

func TestCancelQueuedJobIsDropped(t *testing.T) {
	t.Parallel()

	firstRunning := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	runtime := &fakeRuntime{}
	runtime.inferFn = func(_ context.Context, _ engine.Handle, _ engine.InferRequest) (string, error) {
		once.Do(func() {
			close(firstRunning)
			<-release
		})
		return "ok", nil
	}

	local := newLocalForTest(t, runtime, time.Minute, "tiny")

	go func() {
		_, _ = local.Transcribe(context.Background(), testClip(), Options{VariantID: "tiny"})
	}()
	<-firstRunning

	errCh := make(chan error, 1)
	go func() {
		_, err := local.Transcribe(context.Background(), testClip(), Options{JobID: "queued-job", VariantID: "tiny"})
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return local.QueueLen() == 1
	}, time.Second, 5*time.Millisecond)

	require.True(t, local.Cancel("queued-job"))
	require.False(t, local.Cancel("no-such-job"))

	close(release)
	require.ErrorIs(t, <-errCh, ErrJobCanceled)

	_, _, infers, _ := runtime.snapshot()
	require.Equal(t, 1, infers)
}

func TestCancelInFlightJobDiscardsResult(t *testing.T) {
	t.Parallel()

	running := make(chan struct{})
	release := make(chan struct{})

	runtime := &fakeRuntime{}
	runtime.inferFn = func(_ context.Context, _ engine.Handle, _ engine.InferRequest) (string, error) {
		close(running)
		<-release
		return "finished anyway", nil
	}

	local := newLocalForTest(t, runtime, time.Minute, "tiny")

	errCh := make(chan error, 1)
	go func() {
		_, err := local.Transcribe(context.Background(), testClip(), Options{JobID: "inflight", VariantID: "tiny"})
		errCh <- err
	}()

	<-running
	require.True(t, local.Cancel("inflight"))
	close(release)

	require.ErrorIs(t, <-errCh, ErrJobCanceled)

	// The inference ran to completion; only the result was discarded.
	_, _, infers, _ := runtime.snapshot()
	require.Equal(t, 1, infers)
}

func TestInferenceTimeout(t *testing.T) {
	t.Parallel()

	runtime := &fakeRuntime{}
	runtime.inferFn = func(ctx context.Context, _ engine.Handle, _ engine.InferRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	dir := t.TempDir()
	variant := readyVariant(t, dir, "tiny")
	s, err := store.New(store.Options{
		Dir:      dir,
		Variants: []catalog.Variant{variant},
		FreeSpace: func(string) (int64, error) {
			return 1 << 30, nil
		},
	})
	require.NoError(t, err)

	local, err := NewLocal(LocalOptions{
		Store:   s,
		Runtime: runtime,
		InferTimeout: func(time.Duration, catalog.Variant) time.Duration {
			return 10 * time.Millisecond
		},
	})
	require.NoError(t, err)
	t.Cleanup(local.Close)

	_, err = local.Transcribe(context.Background(), testClip(), Options{VariantID: "tiny"})
	require.Equal(t, fault.KindInferenceTimeout, fault.KindOf(err))
}

func TestLoadFailureClassification(t *testing.T) {
	t.Parallel()

	runtime := &fakeRuntime{loadErr: errors.New("cannot allocate memory")}
	local := newLocalForTest(t, runtime, time.Minute, "tiny")

	_, err := local.Transcribe(context.Background(), testClip(), Options{VariantID: "tiny"})
	require.Equal(t, fault.KindModelLoad, fault.KindOf(err))
	require.True(t, fault.IsRetryable(err))

	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, fault.ActionSmallerVariant, fe.Action)
	require.Equal(t, StateUnloaded, local.State())
}

func TestRepeatedInferenceFailuresUnloadModel(t *testing.T) {
	t.Parallel()

	runtime := &fakeRuntime{}
	runtime.inferFn = func(_ context.Context, _ engine.Handle, _ engine.InferRequest) (string, error) {
		return "", errors.New("engine exploded")
	}

	local := newLocalForTest(t, runtime, time.Minute, "tiny")

	for i := 0; i < maxConsecutiveInferFailures; i++ {
		_, err := local.Transcribe(context.Background(), testClip(), Options{VariantID: "tiny"})
		require.Equal(t, fault.KindInference, fault.KindOf(err))
	}

	require.Eventually(t, func() bool {
		return local.State() == StateUnloaded
	}, time.Second, 5*time.Millisecond)

	loads, unloads, _, _ := runtime.snapshot()
	require.Equal(t, 1, loads)
	require.Equal(t, 1, unloads)
}

func TestCloseRejectsQueuedJobsAndUnloads(t *testing.T) {
	t.Parallel()

	runtime := &fakeRuntime{}
	local := newLocalForTest(t, runtime, time.Minute, "tiny")

	_, err := local.Transcribe(context.Background(), testClip(), Options{VariantID: "tiny"})
	require.NoError(t, err)

	local.Close()

	_, err = local.Transcribe(context.Background(), testClip(), Options{VariantID: "tiny"})
	require.ErrorIs(t, err, ErrProviderClosed)

	_, unloads, _, _ := runtime.snapshot()
	require.Equal(t, 1, unloads)
}
