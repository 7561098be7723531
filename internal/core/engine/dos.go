package engine

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/core/policy"
	"github.com/gatewarden/gatewarden/internal/metrics"
)

const (
	defaultDoSRate    = "100 per second"
	defaultDoSBurst   = 200
	defaultDoSIdleTTL = 10 * time.Minute
	dosSweepInterval  = time.Minute
)

// DoSDetector is the cheap per-IP flood gate consulted before any policy
// evaluation. It is independent from the rate limit engine: its budget sits
// well above every policy so ordinary clients never trip it, and a positive
// detection is a harder block than a limit violation.
type DoSDetector struct {
	Logger *logging.Logger

	ratePerSec float64
	burst      int
	idleTTL    time.Duration

	mu       sync.RWMutex
	limiters map[string]*dosEntry

	sweepMu     sync.Mutex
	sweepTicker *time.Ticker
	sweepStop   chan struct{}
	sweepDone   sync.WaitGroup
}

type dosEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// NewDoSDetector builds a detector from configuration. A disabled detector
// returns nil so callers can skip the gate entirely.
func NewDoSDetector(cfg config.DoSConfig, logger *logging.Logger) (*DoSDetector, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	rateStr := strings.TrimSpace(cfg.Rate)
	if rateStr == "" {
		rateStr = defaultDoSRate
	}
	requests, window, err := policy.ParseRate(rateStr)
	if err != nil {
		return nil, fmt.Errorf("dos rate: %w", err)
	}

	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultDoSBurst
	}
	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = defaultDoSIdleTTL
	}

	return &DoSDetector{
		Logger:     logger,
		ratePerSec: float64(requests) / window.Seconds(),
		burst:      burst,
		idleTTL:    idleTTL,
		limiters:   make(map[string]*dosEntry),
	}, nil
}

// Allow reports whether ip stays under the flood budget. Empty addresses
// pass; the policy engine still sees them.
func (d *DoSDetector) Allow(ip string) bool {
	if d == nil {
		return true
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return true
	}

	if d.entryFor(ip).limiter.Allow() {
		return true
	}

	metrics.RecordDoSBlock()
	if d.Logger != nil {
		d.Logger.Warn("DoS detector blocked request", zap.String("ip", ip))
	}
	return false
}

func (d *DoSDetector) entryFor(ip string) *dosEntry {
	now := time.Now().UnixNano()

	d.mu.RLock()
	if entry, ok := d.limiters[ip]; ok {
		// Touch under RLock so a concurrent sweep cannot drop the entry
		// before the timestamp lands.
		entry.lastSeen.Store(now)
		d.mu.RUnlock()
		return entry
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.limiters[ip]; ok {
		entry.lastSeen.Store(now)
		return entry
	}

	entry := &dosEntry{limiter: rate.NewLimiter(rate.Limit(d.ratePerSec), d.burst)}
	entry.lastSeen.Store(now)
	d.limiters[ip] = entry
	return entry
}

// Start launches the idle entry sweeper. Idempotent.
func (d *DoSDetector) Start() {
	if d == nil {
		return
	}
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()
	if d.sweepTicker != nil {
		return
	}

	d.sweepTicker = time.NewTicker(dosSweepInterval)
	d.sweepStop = make(chan struct{})
	d.sweepDone.Add(1)
	go d.sweepLoop()
}

// Stop terminates the sweeper and waits for it to exit. Idempotent.
func (d *DoSDetector) Stop() {
	if d == nil {
		return
	}
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()
	if d.sweepTicker == nil {
		return
	}

	close(d.sweepStop)
	d.sweepTicker.Stop()
	d.sweepDone.Wait()
	d.sweepTicker = nil
}

func (d *DoSDetector) sweepLoop() {
	defer d.sweepDone.Done()

	for {
		select {
		case <-d.sweepTicker.C:
			d.sweepIdle(time.Now())
		case <-d.sweepStop:
			return
		}
	}
}

// sweepIdle drops entries idle past the TTL as of now.
func (d *DoSDetector) sweepIdle(now time.Time) {
	cutoff := now.Add(-d.idleTTL).UnixNano()

	d.mu.Lock()
	evicted := 0
	for ip, entry := range d.limiters {
		if entry.lastSeen.Load() < cutoff {
			delete(d.limiters, ip)
			evicted++
		}
	}
	d.mu.Unlock()

	metrics.RecordEvictedKeys("dos", evicted)
}

// Size returns the number of tracked addresses.
func (d *DoSDetector) Size() int {
	if d == nil {
		return 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.limiters)
}
