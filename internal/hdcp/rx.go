package hdcp

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// RxStats is a snapshot of the receiver counters.
type RxStats struct {
	AuthAttempts uint64 `json:"auth_attempts" yaml:"auth_attempts"`
	AuthPassed   uint64 `json:"auth_passed" yaml:"auth_passed"`
	LinkFailures uint64 `json:"link_failures" yaml:"link_failures"`
	RiUpdates    uint64 `json:"ri_updates" yaml:"ri_updates"`
	ReadFailures uint64 `json:"read_failures" yaml:"read_failures"`
}

type rxCounters struct {
	authAttempts atomic.Uint64
	authPassed   atomic.Uint64
	linkFailures atomic.Uint64
	riUpdates    atomic.Uint64
	readFailures atomic.Uint64
}

func (c *rxCounters) snapshot() RxStats {
	return RxStats{
		AuthAttempts: c.authAttempts.Load(),
		AuthPassed:   c.authPassed.Load(),
		LinkFailures: c.linkFailures.Load(),
		RiUpdates:    c.riUpdates.Load(),
		ReadFailures: c.readFailures.Load(),
	}
}

func (c *rxCounters) reset() {
	c.authAttempts.Store(0)
	c.authPassed.Store(0)
	c.linkFailures.Store(0)
	c.riUpdates.Store(0)
	c.readFailures.Store(0)
}

// Receiver is the HDCP 1.x receiver state machine. It has no retries of
// its own: failures surface as state and the transmitter re-authenticates
// by writing AKSV again.
//
// The concurrency contract matches Transmitter.
type Receiver struct {
	protocol Protocol
	port     Port
	cipher   Cipher
	platform Platform
	logger   *slog.Logger
	metrics  MetricsReporter
	notifyCh chan<- StateChange

	pending   eventSet
	state     atomic.Uint32
	prevState atomic.Uint32
	stats     rxCounters

	phyUp bool
}

// NewReceiver creates a receiver in the DISABLED state.
func NewReceiver(
	protocol Protocol,
	port Port,
	cipher Cipher,
	platform Platform,
	logger *slog.Logger,
	opts ...Option,
) (*Receiver, error) {
	if err := checkCollaborators(protocol, port, cipher, platform); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Receiver{
		protocol: protocol,
		port:     port,
		cipher:   cipher,
		platform: platform,
		logger: logger.With(
			slog.String("direction", DirectionRx.String()),
			slog.String("protocol", protocol.String()),
		),
		metrics:  o.metrics,
		notifyCh: o.notifyCh,
		phyUp:    true,
	}, nil
}

func (r *Receiver) post(e RxEvent) { r.pending.post(uint8(e), rxCancels(e)) }

// Enable requests the receiver leave DISABLED.
func (r *Receiver) Enable() { r.post(RxEventEnable) }

// Disable requests the receiver enter DISABLED.
func (r *Receiver) Disable() { r.post(RxEventDisable) }

// Reset disables and re-enables the receiver on the next Poll.
func (r *Receiver) Reset() {
	r.post(RxEventDisable)
	r.post(RxEventEnable)
}

// Authenticate starts computations as if the transmitter had written AKSV.
func (r *Receiver) Authenticate() { r.post(RxEventAuthenticate) }

// SetPhysicalState reports the physical link state.
func (r *Receiver) SetPhysicalState(up bool) {
	if up {
		r.post(RxEventPhyUp)
		return
	}
	r.post(RxEventPhyDown)
}

// Protocol returns the link protocol.
func (r *Receiver) Protocol() Protocol { return r.protocol }

// State returns the current state.
func (r *Receiver) State() RxState { return RxState(r.state.Load()) }

// PreviousState returns the state before the last transition.
func (r *Receiver) PreviousState() RxState { return RxState(r.prevState.Load()) }

// PendingEvents returns the pending event bitset, indexed by RxEvent.
func (r *Receiver) PendingEvents() uint32 { return r.pending.load() }

// Stats returns a snapshot of the counters.
func (r *Receiver) Stats() RxStats { return r.stats.snapshot() }

// IsAuthenticated reports whether the receiver is in AUTHENTICATED.
func (r *Receiver) IsAuthenticated() bool { return r.State() == RxStateAuthenticated }

// IsInProgress reports whether computations are running.
func (r *Receiver) IsInProgress() bool { return r.State() == RxStateComputations }

// Encryption returns the stream map the cipher currently decrypts.
func (r *Receiver) Encryption() uint64 { return r.cipher.Encryption() }

// SetLaneCount programs the cipher lane count.
func (r *Receiver) SetLaneCount(n int) error {
	if err := r.cipher.SetLaneCount(n); err != nil {
		return fmt.Errorf("set lane count %d: %w", n, err)
	}
	return nil
}

// SetKeySelect programs the cipher key select vector.
func (r *Receiver) SetKeySelect(sel uint8) error {
	if err := r.cipher.SetKeySelect(sel); err != nil {
		return fmt.Errorf("set key select %d: %w", sel, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Dispatch
// -------------------------------------------------------------------------

// Poll posts POLL, drains the pending set and dispatches every set event
// in ascending event order.
func (r *Receiver) Poll() {
	r.post(RxEventPoll)
	pending := r.pending.drain()
	for ev := range rxEventCount {
		if pending&(1<<ev) != 0 {
			r.dispatch(ev)
		}
	}
}

func (r *Receiver) dispatch(ev RxEvent) {
	switch ev {
	case RxEventPhyUp:
		r.phyUp = true
	case RxEventPhyDown:
		r.phyUp = false
	}

	res := ApplyRxEvent(r.State(), ev)
	if !res.Handled {
		if ev != RxEventPoll {
			r.logger.Debug("event ignored",
				slog.String("state", res.OldState.String()),
				slog.String("event", ev.String()),
			)
		}
		return
	}

	r.setState(r.execute(res))
}

func (r *Receiver) execute(res RxResult) RxState {
	switch res.Action {
	case ActionNone:
		return res.NewState
	case ActionEnable:
		if r.phyUp {
			return RxStateUnauthenticated
		}
		return RxStatePhyDown
	case ActionStartComputations:
		return r.startComputations()
	case ActionPollComputations:
		return r.pollComputations()
	case ActionCheckLink:
		return r.checkLinkIntegrity()
	case ActionUpdateRi:
		r.updateRi()
		return res.NewState
	default:
		r.logger.Warn("unknown action", slog.String("action", res.Action.String()))
		return res.OldState
	}
}

func (r *Receiver) setState(next RxState) {
	for steps := 0; r.State() != next; steps++ {
		if steps == maxStateChain {
			r.logger.Error("state chain limit reached",
				slog.String("state", r.State().String()),
				slog.String("next", next.String()),
			)
			return
		}

		cur := r.State()
		r.exitState(cur)
		r.prevState.Store(uint32(cur))
		r.state.Store(uint32(next))
		r.reportTransition(cur, next)
		next = r.enterState(next)
	}
}

func (r *Receiver) enterState(s RxState) RxState {
	switch s {
	case RxStateDisabled:
		r.enterDisabled()
	case RxStateUnauthenticated:
		r.setCheckLink(false)
	case RxStateComputations:
		r.setCheckLink(false)
		return r.startComputations()
	case RxStateAuthenticated:
		r.enterAuthenticated()
	case RxStateLinkIntegrityFailed:
		r.enterLinkIntegrityFailed()
	case RxStatePhyDown:
		r.warnOnErr("disable cipher", r.cipher.Disable())
	}
	return s
}

func (r *Receiver) exitState(s RxState) {
	switch s {
	case RxStateDisabled:
		r.enableState()
	case RxStateLinkIntegrityFailed:
		if r.protocol == ProtocolDP {
			r.updateDpBstatus(0, DpBstatusLinkFailure)
		}
	case RxStatePhyDown:
		r.warnOnErr("enable cipher", r.cipher.Enable())
	default:
	}
}

func (r *Receiver) reportTransition(from, to RxState) {
	r.logger.Info("state changed",
		slog.String("old_state", from.String()),
		slog.String("new_state", to.String()),
	)
	r.metrics.RecordStateTransition(DirectionRx.String(), from.String(), to.String())
	r.metrics.SetAuthenticated(DirectionRx.String(), to == RxStateAuthenticated)
	emit(r.notifyCh, r.logger, StateChange{
		Direction: DirectionRx,
		OldState:  from.String(),
		NewState:  to.String(),
		Timestamp: time.Now(),
	})
}

// -------------------------------------------------------------------------
// State hooks
// -------------------------------------------------------------------------

// enableState runs when leaving DISABLED.
func (r *Receiver) enableState() {
	r.setCheckLink(false)
	r.cipher.SetLinkFailCallback(func() { r.post(RxEventCheck) })
	r.cipher.SetRiUpdateCallback(func() { r.post(RxEventUpdateRi) })
	r.warnOnErr("enable cipher", r.cipher.Enable())

	// Some cipher cores report a zero KSV on the first read after enable.
	ksv := r.cipher.LocalKsv()
	if ksv == 0 {
		ksv = r.cipher.LocalKsv()
	}
	if err := r.writeReg(RegBksv, ksv.Bytes()); err != nil {
		r.logger.Warn("BKSV write failed", slog.String("error", err.Error()))
	}

	r.port.SetAuthCallback(func() { r.post(RxEventAuthenticate) })
	r.warnOnErr("enable port", r.port.Enable())
}

func (r *Receiver) enterDisabled() {
	r.setCheckLink(false)
	r.warnOnErr("disable port", r.port.Disable())
	r.warnOnErr("disable cipher", r.cipher.Disable())
	r.stats.reset()
	r.logger.Debug("statistics cleared")
}

func (r *Receiver) startComputations() RxState {
	ksvBuf := make([]byte, KsvSize)
	if err := r.readReg(RegAksv, ksvBuf); err != nil {
		r.logger.Warn("AKSV read failed", slog.String("error", err.Error()))
		return RxStateUnauthenticated
	}
	anBuf := make([]byte, AnSize)
	if err := r.readReg(RegAn, anBuf); err != nil {
		r.logger.Warn("An read failed", slog.String("error", err.Error()))
		return RxStateUnauthenticated
	}

	r.stats.authAttempts.Add(1)
	aksv := KsvFromBytes(ksvBuf)
	an := binary.LittleEndian.Uint64(anBuf)

	if err := r.cipher.SetRemoteKsv(aksv); err != nil {
		r.logger.Warn("cipher rejected AKSV", slog.String("error", err.Error()))
		return RxStateUnauthenticated
	}
	x, y, z := SplitAn(an, r.port.IsRepeater())
	if err := r.cipher.SetB(x, y, z); err != nil {
		r.logger.Warn("cipher SetB failed", slog.String("error", err.Error()))
		return RxStateUnauthenticated
	}
	if err := r.cipher.DoRequest(RequestBlock); err != nil {
		r.logger.Warn("cipher block request failed", slog.String("error", err.Error()))
		return RxStateUnauthenticated
	}

	r.logger.Debug("computations started", slog.String("aksv", aksv.String()))
	return RxStateComputations
}

func (r *Receiver) pollComputations() RxState {
	if !r.cipher.IsRequestComplete() {
		return RxStateComputations
	}

	v := r.cipher.Ro()
	if r.protocol == ProtocolHDMI {
		v = r.cipher.Ri()
	}
	if err := r.writeReg(RegRi, binary.LittleEndian.AppendUint16(nil, v)); err != nil {
		r.logger.Warn("Ri write failed", slog.String("error", err.Error()))
		return RxStateUnauthenticated
	}
	return RxStateAuthenticated
}

func (r *Receiver) enterAuthenticated() {
	if r.PreviousState() == RxStateLinkIntegrityFailed {
		return
	}

	r.stats.authPassed.Add(1)
	r.metrics.IncAuthentications(DirectionRx.String(), ResultPassed)
	r.setCheckLink(true)
	r.logger.Info("authenticated")
}

func (r *Receiver) enterLinkIntegrityFailed() {
	r.stats.linkFailures.Add(1)
	r.metrics.IncLinkChecks(DirectionRx.String(), ResultFailed)
	r.logger.Warn("link integrity failure")

	if r.protocol == ProtocolDP {
		r.updateDpBstatus(DpBstatusLinkFailure, 0)
	}
}

// updateRi publishes the rolling Ri. DisplayPort has no Ri register.
func (r *Receiver) updateRi() {
	if r.protocol != ProtocolHDMI {
		return
	}
	if err := r.writeReg(RegRi, binary.LittleEndian.AppendUint16(nil, r.cipher.Ri())); err != nil {
		r.logger.Debug("Ri update write failed", slog.String("error", err.Error()))
		return
	}
	r.stats.riUpdates.Add(1)
	r.metrics.IncRiUpdates(DirectionRx.String())
}

func (r *Receiver) checkLinkIntegrity() RxState {
	if r.cipher.IsLinkUp() {
		r.metrics.IncLinkChecks(DirectionRx.String(), ResultPassed)
		return RxStateAuthenticated
	}
	return RxStateLinkIntegrityFailed
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func (r *Receiver) setCheckLink(on bool) {
	if !on {
		r.cipher.SetRiUpdate(false)
		r.cipher.SetLinkStateCheck(false)
		return
	}
	switch r.protocol {
	case ProtocolHDMI:
		r.cipher.SetRiUpdate(true)
	case ProtocolDP:
		r.cipher.SetLinkStateCheck(true)
	}
}

// updateDpBstatus sets and clears bits of the DisplayPort BSTATUS register.
func (r *Receiver) updateDpBstatus(set, unset uint8) {
	buf := make([]byte, 1)
	if err := r.readReg(RegDpBstatus, buf); err != nil {
		r.logger.Warn("BSTATUS read failed", slog.String("error", err.Error()))
		return
	}
	buf[0] = buf[0]&^unset | set
	if err := r.writeReg(RegDpBstatus, buf); err != nil {
		r.logger.Warn("BSTATUS write failed", slog.String("error", err.Error()))
	}
}

func (r *Receiver) readReg(off uint8, buf []byte) error {
	err := readFull(r.port, off, buf)
	if err != nil {
		r.countReadFailure()
	}
	return err
}

func (r *Receiver) writeReg(off uint8, buf []byte) error {
	err := writeFull(r.port, off, buf)
	if err != nil {
		r.countReadFailure()
	}
	return err
}

func (r *Receiver) countReadFailure() {
	r.stats.readFailures.Add(1)
	r.metrics.IncReadFailures(DirectionRx.String())
}

func (r *Receiver) warnOnErr(op string, err error) {
	if err != nil {
		r.logger.Warn(op+" failed", slog.String("error", err.Error()))
	}
}
