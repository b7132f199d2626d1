package perfmon

import (
	"context"
	"sync"
	"time"
)

// readFunc returns the current raw reading of a counter.
type readFunc func(ctx context.Context) (float64, error)

// gaugeHandle returns the instantaneous reading.
type gaugeHandle struct {
	read readFunc
}

func (h *gaugeHandle) NextValue(ctx context.Context) (float64, error) {
	return h.read(ctx)
}

func (h *gaugeHandle) Close() error { return nil }

// rateHandle turns a monotonically increasing total into a per-second rate,
// multiplied by scale. The first call establishes the baseline and returns 0.
type rateHandle struct {
	read  readFunc
	scale float64
	now   func() time.Time

	mu     sync.Mutex
	primed bool
	prev   float64
	prevAt time.Time
}

func newRateHandle(read readFunc, scale float64) *rateHandle {
	return &rateHandle{read: read, scale: scale, now: time.Now}
}

func (h *rateHandle) NextValue(ctx context.Context) (float64, error) {
	cur, err := h.read(ctx)
	if err != nil {
		return 0, err
	}
	at := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	defer func() {
		h.prev, h.prevAt, h.primed = cur, at, true
	}()
	if !h.primed {
		return 0, nil
	}
	elapsed := at.Sub(h.prevAt).Seconds()
	delta := cur - h.prev
	// Counter wrapped or was reset.
	if elapsed <= 0 || delta < 0 {
		return 0, nil
	}
	return delta / elapsed * h.scale, nil
}

func (h *rateHandle) Close() error { return nil }

// ratioFunc returns a part and a whole, both monotonically increasing.
type ratioFunc func(ctx context.Context) (part, whole float64, err error)

// ratioHandle reports the percentage the part grew relative to the whole
// since the previous call. The first call returns 0.
type ratioHandle struct {
	read ratioFunc

	mu        sync.Mutex
	primed    bool
	prevPart  float64
	prevWhole float64
}

func (h *ratioHandle) NextValue(ctx context.Context) (float64, error) {
	part, whole, err := h.read(ctx)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	defer func() {
		h.prevPart, h.prevWhole, h.primed = part, whole, true
	}()
	if !h.primed {
		return 0, nil
	}
	dp, dw := part-h.prevPart, whole-h.prevWhole
	if dw <= 0 || dp < 0 {
		return 0, nil
	}
	return dp / dw * 100, nil
}

func (h *ratioHandle) Close() error { return nil }
