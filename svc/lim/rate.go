package lim

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"slugbin/metrics"
	"slugbin/svc/util"

	"golang.org/x/time/rate"
)

const (
	maxBuckets      = 10000
	cleanupInterval = 5 * time.Minute
	bucketTTL       = 30 * time.Minute
	adaptiveFor     = 60 * time.Second
	counterTimeout  = 100 * time.Millisecond
)

// Counter is a shared fixed-window counter. *db.Redis implements it.
type Counter interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

// Limiter throttles requests per client address and endpoint. With a shared
// counter the budget is enforced across instances; otherwise, or when the
// counter errors, each instance applies a stricter local token bucket.
type Limiter struct {
	counter           Counter
	trustedProxies    []string
	detector          *AnomalyDetector
	adaptiveUntil     int64
	buckets           map[string]*bucketEntry
	mu                sync.Mutex
	rpm               int
	burst             int
	conservativeLimit int
	quit              chan struct{}
	stopOnce          sync.Once
	evictionSem       chan struct{}
}

type bucketEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// New validates trustedProxies up front; a bad entry is a configuration error.
func New(rpm, burst, conservativeLimit int, counter Counter, trustedProxies []string) (*Limiter, error) {
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return nil, fmt.Errorf("invalid CIDR in trusted proxies: %s: %w", proxy, err)
			}
		} else if net.ParseIP(proxy) == nil {
			return nil, fmt.Errorf("invalid IP in trusted proxies: %s", proxy)
		}
	}
	if rpm <= 0 || conservativeLimit <= 0 {
		return nil, fmt.Errorf("rate limits must be positive (rpm=%d, conservative=%d)", rpm, conservativeLimit)
	}
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		counter:           counter,
		trustedProxies:    trustedProxies,
		buckets:           make(map[string]*bucketEntry),
		rpm:               rpm,
		burst:             burst,
		conservativeLimit: conservativeLimit,
		quit:              make(chan struct{}),
		evictionSem:       make(chan struct{}, 1),
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	l.detector.Start()
	go l.cleanupLoop()
	return l, nil
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	now := time.Now()
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.buckets {
		if now.Sub(entry.lastAccess) > bucketTTL {
			delete(l.buckets, key)
			evicted++
		}
	}
	remaining := len(l.buckets)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		l.detector.Stop()
	})
}

// TriggerAdaptiveMode halves every limit for a minute.
func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveUntil, time.Now().Add(adaptiveFor).UnixNano())
}

func (l *Limiter) adaptive() bool {
	return time.Now().UnixNano() < atomic.LoadInt64(&l.adaptiveUntil)
}

func (l *Limiter) RecordRequest() { l.detector.RecordRequest() }
func (l *Limiter) RecordError()   { l.detector.RecordError() }

func halve(n int) int {
	if n/2 < 1 {
		return 1
	}
	return n / 2
}

// ClientIP resolves the caller's address honouring the trusted proxy list.
func (l *Limiter) ClientIP(r *http.Request) string {
	return GetRealIP(r, l.trustedProxies)
}

func (l *Limiter) Check(ctx context.Context, ip, endpoint string) *Result {
	limit := l.rpm
	if l.adaptive() {
		limit = halve(limit)
	}
	if l.counter == nil {
		return l.checkLocal(ip, endpoint)
	}
	cctx, cancel := context.WithTimeout(ctx, counterTimeout)
	defer cancel()
	usage, err := l.counter.RateLimit(cctx, "rl:"+endpoint+":"+ip, limit, time.Minute)
	if err != nil {
		util.Warn().Err(err).Msg("shared rate limit unavailable, using local fallback")
		return l.checkLocal(ip, endpoint)
	}
	reset := time.Now().Add(time.Minute)
	if usage > limit {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
		return &Result{Allowed: false, Limit: limit, Remaining: 0, Reset: reset}
	}
	return &Result{Allowed: true, Limit: limit, Remaining: limit - usage, Reset: reset}
}

func (l *Limiter) checkLocal(ip, endpoint string) *Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buckets) >= (maxBuckets*9)/10 {
		if n := len(l.buckets) / 10; n > 0 {
			select {
			case l.evictionSem <- struct{}{}:
				go func() {
					defer func() { <-l.evictionSem }()
					l.evictOldest(n)
				}()
			default:
			}
		}
	}
	reset := time.Now().Add(time.Minute)
	if len(l.buckets) >= maxBuckets {
		util.Warn().
			Int("buckets", len(l.buckets)).
			Str("ip", util.RedactIP(ip)).
			Msg("rate limiter at capacity, rejecting request")
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
		return &Result{Allowed: false, Limit: l.conservativeLimit, Reset: reset}
	}
	limit := l.conservativeLimit
	if l.adaptive() {
		limit = halve(limit)
	}
	burst := l.burst
	if burst > limit {
		burst = limit
	}
	key := ip + ":" + endpoint
	entry, ok := l.buckets[key]
	if !ok {
		entry = &bucketEntry{limiter: rate.NewLimiter(rate.Limit(limit)/60.0, burst)}
		l.buckets[key] = entry
	}
	entry.lastAccess = time.Now()
	if !entry.limiter.Allow() {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
		return &Result{Allowed: false, Limit: limit, Reset: reset}
	}
	remaining := int(entry.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return &Result{Allowed: true, Limit: limit, Remaining: remaining, Reset: reset}
}

func (l *Limiter) evictOldest(count int) {
	l.mu.Lock()
	if len(l.buckets) < (maxBuckets*8)/10 {
		l.mu.Unlock()
		return
	}
	type kv struct {
		key        string
		lastAccess time.Time
	}
	entries := make([]kv, 0, len(l.buckets))
	for k, v := range l.buckets {
		entries = append(entries, kv{k, v.lastAccess})
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for i := 0; i < count && i < len(entries); i++ {
		if _, ok := l.buckets[entries[i].key]; ok {
			delete(l.buckets, entries[i].key)
			evicted++
		}
	}
	util.Debug().Int("evicted", evicted).Msg("async limiter eviction completed")
}

// GetRealIP walks X-Forwarded-For from the right and returns the first hop
// that is not a trusted proxy. The header is ignored unless the direct peer
// is itself trusted.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	const maxHops = 100
	hops := strings.Split(xff, ",")
	parsed := 0
	for i := len(hops) - 1; i >= 0 && parsed < maxHops; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		parsed++
		if net.ParseIP(hop) == nil {
			util.Warn().Str("ip", util.RedactIP(hop)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(hop, trustedProxies) {
			return hop
		}
	}
	if parsed >= maxHops {
		util.Warn().Int("parsed", parsed).Msg("X-Forwarded-For too long, truncated parsing")
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsed := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if !strings.Contains(proxy, "/") || parsed == nil {
			continue
		}
		if _, subnet, err := net.ParseCIDR(proxy); err == nil && subnet.Contains(parsed) {
			return true
		}
	}
	return false
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
