package store

import (
	"time"
)

// progressWriter throttles progress reporting to at most one emit per
// interval or per percent of the total, whichever comes first, so UI
// layers are not flooded during fast downloads.
type progressWriter struct {
	total      int64
	downloaded int64
	emit       func(downloaded, total int64)

	minInterval time.Duration
	minDelta    int64
	lastEmitAt  time.Time
	lastEmitted int64
	now         func() time.Time
}

func newProgressWriter(total int64, emit func(downloaded, total int64)) *progressWriter {
	minDelta := total / 100
	if minDelta < 1 {
		minDelta = 1
	}
	return &progressWriter{
		total:       total,
		emit:        emit,
		minInterval: 100 * time.Millisecond,
		minDelta:    minDelta,
		now:         time.Now,
	}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.downloaded += int64(len(b))

	since := p.now().Sub(p.lastEmitAt)
	delta := p.downloaded - p.lastEmitted
	if since < p.minInterval && delta < p.minDelta {
		return len(b), nil
	}

	p.lastEmitAt = p.now()
	p.lastEmitted = p.downloaded
	p.emit(p.downloaded, p.total)
	return len(b), nil
}

// finish emits the final byte count unconditionally.
func (p *progressWriter) finish() {
	if p.downloaded == p.lastEmitted && p.downloaded != 0 {
		return
	}
	p.emit(p.downloaded, p.total)
}
