package hdcp

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	appversion "github.com/dantte-lp/gohdcp/internal/version"
)

// -------------------------------------------------------------------------
// Direction & Protocol
// -------------------------------------------------------------------------

// Direction selects the transmitter or receiver state machine.
type Direction uint8

const (
	// DirectionTx selects the transmitter.
	DirectionTx Direction = iota + 1

	// DirectionRx selects the receiver.
	DirectionRx
)

// String returns "tx" or "rx".
func (d Direction) String() string {
	switch d {
	case DirectionTx:
		return "tx"
	case DirectionRx:
		return "rx"
	default:
		return unknownStr
	}
}

// ParseDirection parses "tx"/"transmitter" or "rx"/"receiver".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tx", "transmitter":
		return DirectionTx, nil
	case "rx", "receiver":
		return DirectionRx, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedDirection, s)
	}
}

// Protocol selects the link flavour, which decides the link check
// mechanism: Ri updates on HDMI, link state checks on DisplayPort.
type Protocol uint8

const (
	// ProtocolHDMI is HDMI/DVI.
	ProtocolHDMI Protocol = iota + 1

	// ProtocolDP is DisplayPort.
	ProtocolDP
)

// String returns "hdmi" or "dp".
func (p Protocol) String() string {
	switch p {
	case ProtocolHDMI:
		return "hdmi"
	case ProtocolDP:
		return "dp"
	default:
		return unknownStr
	}
}

// ParseProtocol parses "hdmi" or "dp"/"displayport".
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hdmi", "dvi":
		return ProtocolHDMI, nil
	case "dp", "displayport":
		return ProtocolDP, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, s)
	}
}

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// Sentinel errors for instance configuration and dispatch.
var (
	// ErrUnsupportedDirection indicates a direction that is neither tx nor rx.
	ErrUnsupportedDirection = errors.New("unsupported direction")

	// ErrUnsupportedProtocol indicates a protocol that is neither HDMI nor DP.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")

	// ErrUnsupported indicates an operation the instance's direction does
	// not implement.
	ErrUnsupported = errors.New("operation not supported for direction")

	// ErrNilPort indicates a missing Port.
	ErrNilPort = errors.New("port must not be nil")

	// ErrNilCipher indicates a missing Cipher.
	ErrNilCipher = errors.New("cipher must not be nil")

	// ErrNilPlatform indicates a missing Platform.
	ErrNilPlatform = errors.New("platform must not be nil")
)

func checkCollaborators(protocol Protocol, port Port, cipher Cipher, platform Platform) error {
	switch {
	case protocol != ProtocolHDMI && protocol != ProtocolDP:
		return fmt.Errorf("%w: %d", ErrUnsupportedProtocol, protocol)
	case port == nil:
		return ErrNilPort
	case cipher == nil:
		return ErrNilCipher
	case platform == nil:
		return ErrNilPlatform
	}
	return nil
}

// -------------------------------------------------------------------------
// Options & notifications
// -------------------------------------------------------------------------

// StateChange is emitted on every state transition when a notification
// channel is configured.
type StateChange struct {
	Direction Direction
	OldState  string
	NewState  string
	Timestamp time.Time
}

// Option configures optional state machine parameters.
type Option func(*options)

type options struct {
	metrics  MetricsReporter
	notifyCh chan<- StateChange
}

// WithMetrics attaches a MetricsReporter. If mr is nil, the default no-op
// reporter is used.
func WithMetrics(mr MetricsReporter) Option {
	return func(o *options) {
		if mr != nil {
			o.metrics = mr
		}
	}
}

// WithNotify sends a StateChange for every transition to ch. Sends never
// block; changes are dropped when ch is full.
func WithNotify(ch chan<- StateChange) Option {
	return func(o *options) { o.notifyCh = ch }
}

func buildOptions(opts []Option) options {
	o := options{metrics: noopMetrics{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func emit(ch chan<- StateChange, logger *slog.Logger, sc StateChange) {
	if ch == nil {
		return
	}
	select {
	case ch <- sc:
	default:
		logger.Warn("notification channel full, dropping state change")
	}
}

// -------------------------------------------------------------------------
// Instance facade
// -------------------------------------------------------------------------

// Config selects the state machine an Instance wraps.
type Config struct {
	Direction Direction
	Protocol  Protocol
}

// Instance is a transmitter or a receiver chosen once at construction.
// Exactly one of tx and rx is non-nil.
type Instance struct {
	cfg Config
	tx  *Transmitter
	rx  *Receiver
}

// New initializes an instance for cfg. Configuration failures are logged
// and returned; the caller decides whether to retry.
func New(
	cfg Config,
	port Port,
	cipher Cipher,
	platform Platform,
	logger *slog.Logger,
	opts ...Option,
) (*Instance, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	inst := &Instance{cfg: cfg}
	var err error
	switch cfg.Direction {
	case DirectionTx:
		inst.tx, err = NewTransmitter(cfg.Protocol, port, cipher, platform, logger, opts...)
	case DirectionRx:
		inst.rx, err = NewReceiver(cfg.Protocol, port, cipher, platform, logger, opts...)
	default:
		err = fmt.Errorf("%w: %d", ErrUnsupportedDirection, cfg.Direction)
	}
	if err != nil {
		logger.Error("hdcp initialization failed",
			slog.String("direction", cfg.Direction.String()),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("initialize hdcp instance: %w", err)
	}

	return inst, nil
}

// Direction returns the configured direction.
func (i *Instance) Direction() Direction { return i.cfg.Direction }

// Protocol returns the configured protocol.
func (i *Instance) Protocol() Protocol { return i.cfg.Protocol }

// Transmitter returns the wrapped transmitter, or nil for a receiver.
func (i *Instance) Transmitter() *Transmitter { return i.tx }

// Receiver returns the wrapped receiver, or nil for a transmitter.
func (i *Instance) Receiver() *Receiver { return i.rx }

// Poll drives the state machine.
func (i *Instance) Poll() {
	if i.tx != nil {
		i.tx.Poll()
		return
	}
	i.rx.Poll()
}

// Reset disables and re-enables the state machine.
func (i *Instance) Reset() {
	if i.tx != nil {
		i.tx.Reset()
		return
	}
	i.rx.Reset()
}

// Enable enables the state machine.
func (i *Instance) Enable() {
	if i.tx != nil {
		i.tx.Enable()
		return
	}
	i.rx.Enable()
}

// Disable disables the state machine.
func (i *Instance) Disable() {
	if i.tx != nil {
		i.tx.Disable()
		return
	}
	i.rx.Disable()
}

// SetPhysicalState reports the physical link state.
func (i *Instance) SetPhysicalState(up bool) {
	if i.tx != nil {
		i.tx.SetPhysicalState(up)
		return
	}
	i.rx.SetPhysicalState(up)
}

// SetLaneCount programs the cipher lane count.
func (i *Instance) SetLaneCount(n int) error {
	if i.tx != nil {
		return i.tx.SetLaneCount(n)
	}
	return i.rx.SetLaneCount(n)
}

// Authenticate requests authentication.
func (i *Instance) Authenticate() {
	if i.tx != nil {
		i.tx.Authenticate()
		return
	}
	i.rx.Authenticate()
}

// IsInProgress reports whether an authentication attempt is running.
func (i *Instance) IsInProgress() bool {
	if i.tx != nil {
		return i.tx.IsInProgress()
	}
	return i.rx.IsInProgress()
}

// IsAuthenticated reports whether the link is authenticated.
func (i *Instance) IsAuthenticated() bool {
	if i.tx != nil {
		return i.tx.IsAuthenticated()
	}
	return i.rx.IsAuthenticated()
}

// Encryption returns the encryption stream map.
func (i *Instance) Encryption() uint64 {
	if i.tx != nil {
		return i.tx.Encryption()
	}
	return i.rx.Encryption()
}

// EnableEncryption enables encryption of streams. Transmitter only.
func (i *Instance) EnableEncryption(streams uint64) error {
	if i.tx == nil {
		return fmt.Errorf("enable encryption: %w: %s", ErrUnsupported, i.cfg.Direction)
	}
	return i.tx.EnableEncryption(streams)
}

// DisableEncryption disables encryption of streams. Transmitter only.
func (i *Instance) DisableEncryption(streams uint64) error {
	if i.tx == nil {
		return fmt.Errorf("disable encryption: %w: %s", ErrUnsupported, i.cfg.Direction)
	}
	return i.tx.DisableEncryption(streams)
}

// SetKeySelect programs the cipher key select vector.
func (i *Instance) SetKeySelect(sel uint8) error {
	if i.tx != nil {
		return i.tx.SetKeySelect(sel)
	}
	return i.rx.SetKeySelect(sel)
}

// HandleTimeout forwards a platform timer expiry. Receivers arm no timers,
// so the call is a no-op for them.
func (i *Instance) HandleTimeout() {
	if i.tx != nil {
		i.tx.HandleTimeout()
	}
}

// State returns the current state name.
func (i *Instance) State() string {
	if i.tx != nil {
		return i.tx.State().String()
	}
	return i.rx.State().String()
}

// Version returns the engine version.
func Version() string { return appversion.Version }

// Version returns the engine version.
func (i *Instance) Version() string { return Version() }
