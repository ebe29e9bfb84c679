package lim

import (
	"context"
	"net"
	"net/http"
	"runbin/metrics"
	"runbin/svc/util"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	maxLimiters   = 10000
	windowTimeout = 100 * time.Millisecond
	adaptiveFor   = 60 * time.Second
)

const (
	EndpointCreate  = "create"
	EndpointRead    = "read"
	EndpointUpdate  = "update"
	EndpointExecute = "execute"
)

// Window is a shared fixed-window counter, normally backed by Redis.
type Window interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, time.Duration, error)
}

// Keyer turns a client IP into the opaque key limits are tracked under.
type Keyer interface {
	Key(ip string) string
}

type Options struct {
	RPM            int
	Burst          int
	Conservative   int
	Execute        int
	TrustedProxies []string
}

type Limiter struct {
	opts              Options
	window            Window
	keyer             Keyer
	buckets           *lru.Cache[string, *rate.Limiter]
	watch             *ErrorWatch
	adaptiveModeUntil int64
	now               func() time.Time
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// New builds a limiter. window may be nil, in which case only the local
// per-client buckets apply.
func New(opts Options, window Window, keyer Keyer) (*Limiter, error) {
	for _, p := range opts.TrustedProxies {
		if strings.Contains(p, "/") {
			if _, _, err := net.ParseCIDR(p); err != nil {
				return nil, errors.Wrapf(err, "trusted proxy %s", p)
			}
		} else if net.ParseIP(p) == nil {
			return nil, errors.Errorf("invalid trusted proxy %s", p)
		}
	}
	if opts.RPM <= 0 || opts.Burst <= 0 {
		return nil, errors.New("rate limit rpm and burst must be positive")
	}
	if opts.Conservative <= 0 {
		opts.Conservative = opts.RPM / 2
	}
	if opts.Execute <= 0 {
		opts.Execute = opts.RPM
	}
	buckets, err := lru.New[string, *rate.Limiter](maxLimiters)
	if err != nil {
		return nil, err
	}
	l := &Limiter{
		opts:    opts,
		window:  window,
		keyer:   keyer,
		buckets: buckets,
		now:     time.Now,
	}
	l.watch = newErrorWatch(l.TriggerAdaptiveMode)
	go l.watch.run(watchEvery)
	return l, nil
}

func (l *Limiter) Stop() {
	l.watch.Stop()
}

func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, l.now().Add(adaptiveFor).UnixNano())
}

func (l *Limiter) isAdaptiveMode() bool {
	return l.now().UnixNano() < atomic.LoadInt64(&l.adaptiveModeUntil)
}

// Observe feeds a finished request's status into the error watch.
func (l *Limiter) Observe(status int) { l.watch.Observe(status) }

// budget is the per-minute allowance for endpoint, halved while the error
// rate is anomalous.
func (l *Limiter) budget(endpoint string, conservative bool) int {
	limit := l.opts.RPM
	switch {
	case endpoint == EndpointExecute:
		limit = l.opts.Execute
		if conservative && l.opts.Conservative < limit {
			limit = l.opts.Conservative
		}
	case conservative:
		limit = l.opts.Conservative
	}
	if l.isAdaptiveMode() {
		limit /= 2
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (l *Limiter) clientKey(r *http.Request) string {
	ip := GetRealIP(r, l.opts.TrustedProxies)
	if l.keyer == nil {
		return ip
	}
	return l.keyer.Key(ip)
}

func (l *Limiter) Check(r *http.Request, endpoint string) *Result {
	key := l.clientKey(r) + ":" + endpoint
	var res *Result
	if l.window != nil {
		res = l.checkWindow(r.Context(), key, endpoint)
	} else {
		res = l.checkLocal(key, endpoint, false)
	}
	if !res.Allowed {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
	}
	return res
}

func (l *Limiter) checkWindow(ctx context.Context, key, endpoint string) *Result {
	limit := l.budget(endpoint, false)
	ctx, cancel := context.WithTimeout(ctx, windowTimeout)
	defer cancel()
	usage, reset, err := l.window.RateLimit(ctx, key, limit, time.Minute)
	if err != nil {
		util.Warn().Err(err).Str("endpoint", endpoint).Msg("shared rate limit unavailable, using local buckets")
		return l.checkLocal(key, endpoint, true)
	}
	remaining := limit - usage
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Allowed:   usage <= limit,
		Limit:     limit,
		Remaining: remaining,
		Reset:     l.now().Add(reset),
	}
}

// checkLocal uses an in-process token bucket per client and endpoint. The
// bucket key carries the limit so a budget change starts a fresh bucket.
func (l *Limiter) checkLocal(key, endpoint string, conservative bool) *Result {
	limit := l.budget(endpoint, conservative)
	burst := l.opts.Burst
	if burst > limit {
		burst = limit
	}
	bk := key + ":" + strconv.Itoa(limit)
	lim, ok := l.buckets.Get(bk)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(limit)/60.0), burst)
		if prev, found, _ := l.buckets.PeekOrAdd(bk, lim); found {
			lim = prev
		}
	}
	now := l.now()
	allowed := lim.AllowN(now, 1)
	remaining := int(lim.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	res := &Result{Allowed: allowed, Limit: limit, Remaining: remaining, Reset: now.Add(time.Minute)}
	if !allowed {
		res.Reset = now.Add(time.Duration(float64(time.Minute) / float64(limit)))
	}
	return res
}

// Size reports how many local buckets are tracked.
func (l *Limiter) Size() int { return l.buckets.Len() }
