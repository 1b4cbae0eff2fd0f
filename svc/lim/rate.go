package lim

import (
	"net"
	"net/http"
	"pastebin/svc/util"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	adaptiveFor     = 60 * time.Second
)

// Limiter hands out one token bucket per client IP and endpoint. While the
// anomaly detector reports a high server error rate, new buckets get half
// the usual rate.
type Limiter struct {
	trustedProxies    []string
	detector          *AnomalyDetector
	adaptiveModeUntil int64
	mu                sync.Mutex
	limiters          map[string]*limiterEntry
	rpm               int
	burst             int
	quit              chan struct{}
	stopOnce          sync.Once
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// New expects trustedProxies to have passed cfg.Validate.
func New(rpm, burst int, trustedProxies []string) *Limiter {
	l := &Limiter{
		trustedProxies: trustedProxies,
		limiters:       make(map[string]*limiterEntry),
		rpm:            max(rpm, 1),
		burst:          max(burst, 1),
		quit:           make(chan struct{}),
	}
	l.detector = NewAnomalyDetector(time.Minute, l.TriggerAdaptiveMode)
	l.detector.Start()
	go l.cleanupLoop()
	return l
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle(time.Now())
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for key, entry := range l.limiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.limiters, key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", len(l.limiters)).Msg("rate limiter cleanup")
	}
	return evicted
}

// evictOldest drops the least recently used tenth of the buckets. Called
// with l.mu held.
func (l *Limiter) evictOldest() {
	type kv struct {
		key        string
		lastAccess time.Time
	}
	entries := make([]kv, 0, len(l.limiters))
	for k, v := range l.limiters {
		entries = append(entries, kv{k, v.lastAccess})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	n := max(len(entries)/10, 1)
	for i := 0; i < n && i < len(entries); i++ {
		delete(l.limiters, entries[i].key)
	}
	util.Debug().Int("evicted", n).Msg("rate limiter at capacity, evicted oldest")
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		l.detector.Stop()
	})
}

func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, time.Now().Add(adaptiveFor).UnixNano())
}

func (l *Limiter) isAdaptiveMode() bool {
	return time.Now().UnixNano() < atomic.LoadInt64(&l.adaptiveModeUntil)
}

func (l *Limiter) RecordRequest() { l.detector.RecordRequest() }
func (l *Limiter) RecordError()   { l.detector.RecordError() }

func (l *Limiter) Check(r *http.Request, endpoint string) Result {
	return l.allow(GetRealIP(r, l.trustedProxies), endpoint, time.Now())
}

func (l *Limiter) allow(ip, endpoint string, now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ip + ":" + endpoint
	entry, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= maxLimiters {
			l.evictOldest()
		}
		rpm, burst := l.rpm, l.burst
		if l.isAdaptiveMode() {
			rpm, burst = max(rpm/2, 1), max(burst/2, 1)
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)}
		l.limiters[key] = entry
	}
	entry.lastAccess = now
	lim := entry.limiter
	res := Result{Limit: lim.Burst(), Reset: now.Add(time.Minute)}
	if !lim.AllowN(now, 1) {
		if d := lim.TokensAt(now); d < 1 {
			wait := time.Duration((1 - d) / float64(lim.Limit()) * float64(time.Second))
			res.Reset = now.Add(wait)
		}
		return res
	}
	res.Allowed = true
	res.Remaining = int(lim.TokensAt(now))
	return res
}

func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	const maxIPsToParse = 100
	parsed := 0
	remaining := xff
	// Walk right to left: the first hop that is not one of our proxies is
	// the client.
	for len(remaining) > 0 && parsed < maxIPsToParse {
		var ipStr string
		if i := strings.LastIndexByte(remaining, ','); i == -1 {
			ipStr, remaining = strings.TrimSpace(remaining), ""
		} else {
			ipStr, remaining = strings.TrimSpace(remaining[i+1:]), remaining[:i]
		}
		if ipStr == "" {
			continue
		}
		parsed++
		if net.ParseIP(ipStr) == nil {
			util.Warn().Str("ip", ipStr).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	if parsed >= maxIPsToParse {
		util.Warn().Int("parsed", parsed).Str("remote", remoteIP).Msg("XFF header excessive, truncated parsing")
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsedIP := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") {
			_, subnet, err := net.ParseCIDR(proxy)
			if err == nil && parsedIP != nil && subnet.Contains(parsedIP) {
				return true
			}
		}
	}
	return false
}

func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
