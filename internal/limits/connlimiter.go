package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnLimiter guards the upgrade endpoint against connection floods with
// two token buckets: one per source IP and one global. It runs before the
// handshake, so it keys on IP rather than principal and stays in-process.
type ConnLimiter struct {
	mu      sync.Mutex
	byIP    map[string]*ipEntry
	ipRate  float64
	ipBurst int
	ipTTL   time.Duration

	global *rate.Limiter
	log    zerolog.Logger
	stop   chan struct{}
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnLimiterConfig configures ConnLimiter; zero values pick defaults.
type ConnLimiterConfig struct {
	IPRate      float64 // sustained attempts/sec per IP (default 1)
	IPBurst     int     // burst per IP (default 10)
	IPTTL       time.Duration
	GlobalRate  float64 // sustained attempts/sec cluster member (default 50)
	GlobalBurst int     // default 300
}

// NewConnLimiter starts a limiter and its idle-entry sweeper.
func NewConnLimiter(cfg ConnLimiterConfig, logger zerolog.Logger) *ConnLimiter {
	if cfg.IPRate == 0 {
		cfg.IPRate = 1
	}
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	l := &ConnLimiter{
		byIP:    make(map[string]*ipEntry),
		ipRate:  cfg.IPRate,
		ipBurst: cfg.IPBurst,
		ipTTL:   cfg.IPTTL,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		log:     logger.With().Str("component", "conn_limiter").Logger(),
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow reports whether a connection attempt from ip may proceed.
func (l *ConnLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.log.Debug().Str("ip", ip).Msg("Connection rejected by global limit")
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		l.log.Debug().Str("ip", ip).Msg("Connection rejected by per-IP limit")
		return false
	}
	return true
}

func (l *ConnLimiter) ipLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byIP[ip]
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)}
		l.byIP[ip] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

func (l *ConnLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-l.ipTTL)
			l.mu.Lock()
			for ip, e := range l.byIP {
				if e.lastSeen.Before(cutoff) {
					delete(l.byIP, ip)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop terminates the sweeper.
func (l *ConnLimiter) Stop() {
	close(l.stop)
}
