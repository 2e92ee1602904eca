package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"
)

const bytesPerMB = 1_000_000

// Rotator decides when the active output file is full and mints the
// reference timestamps embedded in file names.
type Rotator struct {
	thresholdBytes int64
	now            func() time.Time
	last           int64
}

// NewRotator creates a rotator for a threshold in megabytes (10^6 bytes).
// A threshold of zero disables size rotation.
func NewRotator(maxFileSizeMB float64, now func() time.Time) *Rotator {
	if now == nil {
		now = time.Now
	}
	return &Rotator{
		thresholdBytes: int64(maxFileSizeMB * bytesPerMB),
		now:            now,
	}
}

// ShouldRotate reports whether path has reached the size threshold. A
// missing file never needs rotation.
func (r *Rotator) ShouldRotate(path string) (bool, error) {
	if r.thresholdBytes <= 0 {
		return false, nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return info.Size() >= r.thresholdBytes, nil
}

// NextTimestamp returns the current time in epoch milliseconds, bumped when
// needed so that it is strictly greater than any value returned before.
func (r *Rotator) NextTimestamp() int64 {
	ts := r.now().UnixMilli()
	if ts <= r.last {
		ts = r.last + 1
	}
	r.last = ts
	return ts
}
