// Package platform implements hdcp.Platform on top of the Go runtime:
// one-shot timers via time.AfterFunc, sleeps for busy delays and a pluggable
// revocation check.
package platform

import (
	"sync"
	"time"

	"github.com/dantte-lp/gohdcp/internal/hdcp"
)

// RevocationChecker reports whether a KSV is revoked.
type RevocationChecker interface {
	IsRevoked(k hdcp.Ksv) bool
}

// Option configures a Platform.
type Option func(*Platform)

// WithSleep replaces the function used for BusyDelay.
func WithSleep(fn func(time.Duration)) Option {
	return func(p *Platform) { p.sleep = fn }
}

// Platform is a single engine's timer and revocation services. The timeout
// callback runs on its own goroutine and must only post events.
type Platform struct {
	mu        sync.Mutex
	timer     *time.Timer
	gen       uint64
	onTimeout func()

	revoked RevocationChecker
	sleep   func(time.Duration)
}

var _ hdcp.Platform = (*Platform)(nil)

// New creates a Platform. rev may be nil, in which case no KSV is revoked.
func New(rev RevocationChecker, onTimeout func(), opts ...Option) *Platform {
	p := &Platform{
		onTimeout: onTimeout,
		revoked:   rev,
		sleep:     time.Sleep,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetTimeoutHandler replaces the timeout callback.
func (p *Platform) SetTimeoutHandler(fn func()) {
	p.mu.Lock()
	p.onTimeout = fn
	p.mu.Unlock()
}

// TimerStart arms the one-shot timer, replacing any armed timer.
func (p *Platform) TimerStart(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(d, func() { p.fire(gen) })
}

// TimerStop disarms the timer. A callback already running is not waited for
// but is discarded.
func (p *Platform) TimerStop() {
	p.mu.Lock()
	p.stopLocked()
	p.gen++
	p.mu.Unlock()
}

// Armed reports whether a timer is pending.
func (p *Platform) Armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timer != nil
}

func (p *Platform) stopLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Platform) fire(gen uint64) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	fn := p.onTimeout
	p.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// BusyDelay blocks for d.
func (p *Platform) BusyDelay(d time.Duration) {
	if d > 0 {
		p.sleep(d)
	}
}

// IsKsvRevoked consults the revocation checker.
func (p *Platform) IsKsvRevoked(k hdcp.Ksv) bool {
	return p.revoked != nil && p.revoked.IsRevoked(k)
}
