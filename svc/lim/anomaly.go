package lim

import (
	"net/http"
	"runbin/metrics"
	"runbin/svc/util"
	"sync"
	"time"
)

const (
	watchSlots  = 5
	watchEvery  = time.Minute
	watchFloor  = 10
	watchCutoff = 5.0
)

type slot struct {
	requests int64
	failures int64
}

// ErrorWatch keeps per-minute request and failure counts for the last five
// minutes. Each rotation publishes the failure share and calls onBreach
// when it passes the cutoff.
type ErrorWatch struct {
	mu       sync.Mutex
	slots    []slot
	cur      int
	floor    int64
	cutoff   float64
	onBreach func()
	done     chan struct{}
	stopOnce sync.Once
}

func newErrorWatch(onBreach func()) *ErrorWatch {
	return &ErrorWatch{
		slots:    make([]slot, watchSlots),
		floor:    watchFloor,
		cutoff:   watchCutoff,
		onBreach: onBreach,
		done:     make(chan struct{}),
	}
}

func (w *ErrorWatch) run(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			w.rotate()
		case <-w.done:
			return
		}
	}
}

func (w *ErrorWatch) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Observe counts one finished request. Server faults count as failures;
// 503s are load shedding that is already signalled to the client and do
// not feed back into the limits.
func (w *ErrorWatch) Observe(status int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.slots[w.cur].requests++
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		w.slots[w.cur].failures++
	}
}

// Rate returns the failure percentage over every slot and the request total.
func (w *ErrorWatch) Rate() (float64, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rateLocked()
}

func (w *ErrorWatch) rateLocked() (float64, int64) {
	var reqs, fails int64
	for _, s := range w.slots {
		reqs += s.requests
		fails += s.failures
	}
	if reqs == 0 {
		return 0, 0
	}
	return float64(fails) / float64(reqs) * 100, reqs
}

func (w *ErrorWatch) rotate() {
	w.mu.Lock()
	pct, reqs := w.rateLocked()
	w.cur = (w.cur + 1) % len(w.slots)
	w.slots[w.cur] = slot{}
	w.mu.Unlock()

	metrics.RecentErrorRatePercent.Set(pct)
	if reqs > w.floor && pct > w.cutoff {
		util.Warn().
			Float64("error_rate", pct).
			Int64("requests", reqs).
			Msg("error rate above cutoff, halving rate limits")
		if w.onBreach != nil {
			w.onBreach()
		}
	}
}
