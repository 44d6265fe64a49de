// Package link hosts a transmitter and a receiver engine connected through
// the register simulator. It owns the poll loop, the rekey frame clock and
// the platform timers, and serialises every engine call.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dantte-lp/gohdcp/internal/hdcp"
	"github.com/dantte-lp/gohdcp/internal/platform"
	"github.com/dantte-lp/gohdcp/internal/sim"
)

// Link errors.
var (
	// ErrInvalidInterval indicates a non-positive poll or rekey interval.
	ErrInvalidInterval = errors.New("link interval must be > 0")

	// ErrSameKsv indicates both ends were given one KSV.
	ErrSameKsv = errors.New("transmitter and receiver KSVs must differ")

	// ErrInvalidLatency indicates a cipher latency the transmitter's RNG
	// wait cannot cover.
	ErrInvalidLatency = errors.New("cipher latency out of range")
)

// Config holds the link parameters.
type Config struct {
	Protocol hdcp.Protocol
	TxKsv    hdcp.Ksv
	RxKsv    hdcp.Ksv

	LaneCount     int
	KeySelect     uint8
	EncryptionMap uint64

	// AutoAuthenticate requests authentication on Start and after a
	// transmitter Reset.
	AutoAuthenticate bool

	PollInterval  time.Duration
	RekeyInterval time.Duration

	// CipherLatency is the number of polls a cipher request stays pending,
	// at most hdcp.RequestSpinLimit.
	CipherLatency int

	// Repeater makes the receiver a repeater with the given topology.
	Repeater *sim.RepeaterConfig
}

// Link pairs a transmitter and a receiver engine over a simulated bus.
type Link struct {
	mu sync.Mutex

	cfg    Config
	logger *slog.Logger

	bus      *sim.Bus
	txCipher *sim.Cipher
	rxCipher *sim.Cipher
	tx       *hdcp.Instance
	rx       *hdcp.Instance

	frames atomic.Uint64
	polls  atomic.Uint64
}

// New builds both engines. rev may be nil. opts are applied to both
// engines, so a single metrics reporter or notify channel sees both
// directions.
func New(cfg Config, rev platform.RevocationChecker, logger *slog.Logger, opts ...hdcp.Option) (*Link, error) {
	if cfg.PollInterval <= 0 || cfg.RekeyInterval <= 0 {
		return nil, fmt.Errorf("poll %v rekey %v: %w", cfg.PollInterval, cfg.RekeyInterval, ErrInvalidInterval)
	}
	if cfg.TxKsv == cfg.RxKsv {
		return nil, fmt.Errorf("ksv %s: %w", cfg.TxKsv, ErrSameKsv)
	}
	if cfg.CipherLatency < 0 || cfg.CipherLatency > hdcp.RequestSpinLimit {
		return nil, fmt.Errorf("latency %d: %w", cfg.CipherLatency, ErrInvalidLatency)
	}

	l := &Link{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "link")),
		bus:      sim.NewBus(),
		txCipher: sim.NewCipher(cfg.TxKsv, cfg.CipherLatency),
		rxCipher: sim.NewCipher(cfg.RxKsv, cfg.CipherLatency),
	}
	if cfg.Repeater != nil {
		l.bus.SetRepeater(cfg.Repeater, l.rxCipher.Mo)
	}

	txPlat := platform.New(rev, nil)
	tx, err := hdcp.New(hdcp.Config{Direction: hdcp.DirectionTx, Protocol: cfg.Protocol},
		sim.NewTxPort(l.bus), l.txCipher, txPlat, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("create transmitter: %w", err)
	}
	// The timer only posts an event, so it does not take l.mu.
	txPlat.SetTimeoutHandler(tx.HandleTimeout)

	rx, err := hdcp.New(hdcp.Config{Direction: hdcp.DirectionRx, Protocol: cfg.Protocol},
		sim.NewRxPort(l.bus), l.rxCipher, platform.New(rev, nil), logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("create receiver: %w", err)
	}

	l.tx, l.rx = tx, rx
	return l, nil
}

// Start programs both ciphers, enables both engines and, with
// AutoAuthenticate, requests authentication.
func (l *Link) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, inst := range []*hdcp.Instance{l.tx, l.rx} {
		if l.cfg.Protocol == hdcp.ProtocolDP {
			errs = append(errs, inst.SetLaneCount(l.cfg.LaneCount))
		}
		errs = append(errs, inst.SetKeySelect(l.cfg.KeySelect))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("configure link: %w", err)
	}

	l.rx.Enable()
	l.tx.Enable()
	l.stepLocked()
	l.armTransmitterLocked()

	l.logger.Info("link started",
		slog.String("protocol", l.cfg.Protocol.String()),
		slog.String("tx_ksv", l.cfg.TxKsv.String()),
		slog.String("rx_ksv", l.cfg.RxKsv.String()),
		slog.Bool("repeater", l.cfg.Repeater != nil),
	)
	return nil
}

// armTransmitterLocked applies the configured encryption map and the
// auto-authentication request. ENABLE must already have been handled: an
// AUTHENTICATE dispatched while DISABLED is dropped.
func (l *Link) armTransmitterLocked() {
	if l.cfg.EncryptionMap != 0 {
		if err := l.tx.EnableEncryption(l.cfg.EncryptionMap); err != nil {
			l.logger.Warn("apply encryption map failed", slog.String("error", err.Error()))
		}
	}
	if l.cfg.AutoAuthenticate {
		l.tx.Authenticate()
	}
}

// Run drives the poll loop and the rekey frame clock until ctx is done.
func (l *Link) Run(ctx context.Context) error {
	poll := time.NewTicker(l.cfg.PollInterval)
	defer poll.Stop()
	rekey := time.NewTicker(l.cfg.RekeyInterval)
	defer rekey.Stop()

	l.logger.Debug("link loop started",
		slog.Duration("poll_interval", l.cfg.PollInterval),
		slog.Duration("rekey_interval", l.cfg.RekeyInterval),
	)

	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("link loop stopped")
			return nil
		case <-poll.C:
			l.Step()
		case <-rekey.C:
			l.Frame()
		}
	}
}

// Step polls the receiver then the transmitter once.
func (l *Link) Step() {
	l.mu.Lock()
	l.stepLocked()
	l.mu.Unlock()
}

func (l *Link) stepLocked() {
	l.rx.Poll()
	l.tx.Poll()
	l.polls.Add(1)
}

// Polls returns the number of completed steps. A stalled counter means the
// poll loop is wedged.
func (l *Link) Polls() uint64 { return l.polls.Load() }

// Frame advances the rekey clock. Ciphers roll Ri only while both engines
// are authenticated so their frame counters stay aligned. Repeater
// emulation ticks on every frame.
func (l *Link) Frame() {
	l.mu.Lock()
	rolling := l.tx.IsAuthenticated() && l.rx.IsAuthenticated()
	l.mu.Unlock()

	l.frames.Add(1)
	if rolling {
		l.rxCipher.Frame()
		l.txCipher.Frame()
	}
	l.bus.Tick()
}

// Close disables both engines and polls once so encryption is off before
// the caller stops driving the link.
func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tx.Disable()
	l.rx.Disable()
	l.stepLocked()
}

// Bus returns the simulated register file, for fault injection.
func (l *Link) Bus() *sim.Bus { return l.bus }

// -------------------------------------------------------------------------
// Control
// -------------------------------------------------------------------------

func (l *Link) instance(dir hdcp.Direction) (*hdcp.Instance, error) {
	switch dir {
	case hdcp.DirectionTx:
		return l.tx, nil
	case hdcp.DirectionRx:
		return l.rx, nil
	default:
		return nil, fmt.Errorf("direction %d: %w", dir, hdcp.ErrUnsupportedDirection)
	}
}

// withInstance runs fn on the engine for dir under the link lock.
func (l *Link) withInstance(dir hdcp.Direction, fn func(*hdcp.Instance) error) error {
	inst, err := l.instance(dir)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(inst)
}

// Authenticate requests (re)authentication on one side.
func (l *Link) Authenticate(dir hdcp.Direction) error {
	return l.withInstance(dir, func(i *hdcp.Instance) error {
		i.Authenticate()
		return nil
	})
}

// Enable enables one side.
func (l *Link) Enable(dir hdcp.Direction) error {
	return l.withInstance(dir, func(i *hdcp.Instance) error {
		i.Enable()
		return nil
	})
}

// Disable disables one side.
func (l *Link) Disable(dir hdcp.Direction) error {
	return l.withInstance(dir, func(i *hdcp.Instance) error {
		i.Disable()
		return nil
	})
}

// Reset disables and re-enables one side. A transmitter reset clears the
// encryption map, so the configured map and auto-authentication are
// applied again once the reset has been handled.
func (l *Link) Reset(dir hdcp.Direction) error {
	return l.withInstance(dir, func(i *hdcp.Instance) error {
		i.Reset()
		if dir == hdcp.DirectionTx {
			i.Poll()
			l.armTransmitterLocked()
		}
		return nil
	})
}

// SetPhysicalState reports the physical link state to one side.
func (l *Link) SetPhysicalState(dir hdcp.Direction, up bool) error {
	return l.withInstance(dir, func(i *hdcp.Instance) error {
		i.SetPhysicalState(up)
		return nil
	})
}

// EnableEncryption adds streams to the transmitter encryption map.
func (l *Link) EnableEncryption(streams uint64) error {
	return l.withInstance(hdcp.DirectionTx, func(i *hdcp.Instance) error {
		return i.EnableEncryption(streams)
	})
}

// DisableEncryption removes streams from the transmitter encryption map.
func (l *Link) DisableEncryption(streams uint64) error {
	return l.withInstance(hdcp.DirectionTx, func(i *hdcp.Instance) error {
		return i.DisableEncryption(streams)
	})
}

// SetCipherLink changes the simulated cipher link state of one side. On
// DisplayPort a drop raises the engine's link failure event.
func (l *Link) SetCipherLink(dir hdcp.Direction, up bool) error {
	switch dir {
	case hdcp.DirectionTx:
		l.txCipher.SetLinkUp(up)
	case hdcp.DirectionRx:
		l.rxCipher.SetLinkUp(up)
	default:
		return fmt.Errorf("direction %d: %w", dir, hdcp.ErrUnsupportedDirection)
	}
	return nil
}

// RequestDownstreamReauth simulates a repeater asking the transmitter to
// re-authenticate.
func (l *Link) RequestDownstreamReauth() { l.bus.RequestReauth() }
