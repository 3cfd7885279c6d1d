package cli

import (
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/fmueller/voxengine/internal/store"
)

type stopFunc func()

func startSpinner(enabled bool, description string) stopFunc {
	if !enabled {
		return func() {}
	}

	bar := progressbar.NewOptions(
		-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(80*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(120 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				_ = bar.Finish()
				return
			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			<-doneCh
		})
	}
}

// newDownloadProgress adapts store download callbacks to a byte-count
// progress bar. The bar is created on the first callback, once the
// total size is known.
func newDownloadProgress(enabled bool, description string) (store.ProgressFunc, stopFunc) {
	if !enabled {
		return nil, func() {}
	}

	var bar *progressbar.ProgressBar
	onProgress := func(downloaded, total int64) {
		if bar == nil {
			bar = progressbar.NewOptions64(
				total,
				progressbar.OptionSetDescription(description),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetWidth(20),
				progressbar.OptionThrottle(65*time.Millisecond),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set64(downloaded)
	}

	finish := func() {
		if bar != nil {
			_ = bar.Finish()
		}
	}
	return onProgress, finish
}
