package mirror

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/SteelMorgan/allegedly/internal/clock"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// IPv6 clients are limited per /64, and their /56 and /48 prefixes share
// quotas scaled by these factors.
var tiers = []struct {
	bits  int
	scale float64
}{
	{64, 1},
	{56, 8},
	{48, 256},
}

// Limiter keeps a token bucket per client address and prefix.
type Limiter struct {
	limit rate.Limit
	burst int
	clock clock.Clock

	mu      sync.Mutex
	buckets []map[string]*bucket // one map per tier
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLimiter allows perSecond requests with the given burst per client.
func NewLimiter(perSecond float64, burst int, clk clock.Clock) *Limiter {
	l := &Limiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		clock:   clock.Or(clk),
		buckets: make([]map[string]*bucket, len(tiers)),
	}
	for i := range l.buckets {
		l.buckets[i] = make(map[string]*bucket)
	}
	return l
}

// Allow takes a token from every bucket addr belongs to. When any of them
// is empty it returns false and how long to wait, and no bucket is charged.
func (l *Limiter) Allow(addr netip.Addr) (bool, time.Duration) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	var wait time.Duration
	taken := make([]*rate.Reservation, 0, len(tiers))
	for tier, key := range keysFor(addr) {
		if key == "" {
			continue
		}
		b := l.buckets[tier][key]
		if b == nil {
			scale := tiers[tier].scale
			b = &bucket{lim: rate.NewLimiter(l.limit*rate.Limit(scale), int(float64(l.burst)*scale))}
			l.buckets[tier][key] = b
		}
		b.seen = now

		r := b.lim.ReserveN(now, 1)
		if !r.OK() {
			wait = max(wait, time.Second)
			continue
		}
		taken = append(taken, r)
		wait = max(wait, r.DelayFrom(now))
	}
	if wait > 0 {
		for _, r := range taken {
			r.CancelAt(now)
		}
		return false, wait
	}
	return true, 0
}

// keysFor returns the bucket key per tier; IPv4 clients only use the first.
func keysFor(addr netip.Addr) []string {
	addr = addr.Unmap()
	keys := make([]string, len(tiers))
	if addr.Is4() {
		keys[0] = addr.String()
		return keys
	}
	for i, t := range tiers {
		p, _ := addr.Prefix(t.bits)
		keys[i] = p.String()
	}
	return keys
}

// Prune drops buckets idle for longer than idle and returns how many remain.
func (l *Limiter) Prune(idle time.Duration) int {
	cutoff := l.clock.Now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := 0
	for _, m := range l.buckets {
		for k, b := range m {
			if b.seen.Before(cutoff) {
				delete(m, k)
			}
		}
		remaining += len(m)
	}
	return remaining
}

// Run prunes idle buckets every minute until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.clock.After(time.Minute):
		}
		n := l.Prune(time.Minute)
		log.Debug().Int("buckets", n).Msg("Pruned rate limiter")
	}
}

// Middleware rejects over-quota clients with 429.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, err := remoteAddr(r)
		if err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Cannot parse client address")
			next.ServeHTTP(w, r)
			return
		}
		ok, wait := l.Allow(addr)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		secs := strconv.Itoa(int(math.Ceil(wait.Seconds())))
		w.Header().Set("Retry-After", secs)
		w.Header().Set("X-Ratelimit-After", secs)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintf(w, "%s\n\nToo many requests from your address. Please wait %s seconds before retrying.\n", logo("mirror 429"), secs)
	})
}

func remoteAddr(r *http.Request) (netip.Addr, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return netip.ParseAddr(host)
}
