package hdcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// Transmitter statistics
// -------------------------------------------------------------------------

// TxStats is a snapshot of the transmitter counters.
type TxStats struct {
	AuthPassed      uint64 `json:"auth_passed" yaml:"auth_passed"`
	AuthFailed      uint64 `json:"auth_failed" yaml:"auth_failed"`
	ReauthRequested uint64 `json:"reauth_requested" yaml:"reauth_requested"`
	ReadFailures    uint64 `json:"read_failures" yaml:"read_failures"`
	LinkCheckPassed uint64 `json:"link_check_passed" yaml:"link_check_passed"`
	LinkCheckFailed uint64 `json:"link_check_failed" yaml:"link_check_failed"`
}

type txCounters struct {
	authPassed      atomic.Uint64
	authFailed      atomic.Uint64
	reauthRequested atomic.Uint64
	readFailures    atomic.Uint64
	linkCheckPassed atomic.Uint64
	linkCheckFailed atomic.Uint64
}

func (c *txCounters) snapshot() TxStats {
	return TxStats{
		AuthPassed:      c.authPassed.Load(),
		AuthFailed:      c.authFailed.Load(),
		ReauthRequested: c.reauthRequested.Load(),
		ReadFailures:    c.readFailures.Load(),
		LinkCheckPassed: c.linkCheckPassed.Load(),
		LinkCheckFailed: c.linkCheckFailed.Load(),
	}
}

func (c *txCounters) reset() {
	c.authPassed.Store(0)
	c.authFailed.Store(0)
	c.reauthRequested.Store(0)
	c.readFailures.Store(0)
	c.linkCheckPassed.Store(0)
	c.linkCheckFailed.Store(0)
}

// -------------------------------------------------------------------------
// Transmitter
// -------------------------------------------------------------------------

// Transmitter is the HDCP 1.x transmitter state machine.
//
// Enable, Disable, Reset, Authenticate, SetPhysicalState and HandleTimeout
// only post events and are safe from any goroutine. Poll and the remaining
// methods must be called from a single goroutine (or under a lock held by
// the caller). State, Stats and PendingEvents are atomic snapshots.
type Transmitter struct {
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
	stats     txCounters

	// Owned by the polling goroutine.
	phyUp         bool
	encryptionMap uint64
	an            uint64
	isRepeater    bool
	topology      Topology
	repeaterInfo  RepeaterInfo

	// timeoutStale is set once the timer is stopped or re-armed during a
	// Poll; a TIMEOUT drained by that Poll belongs to the old timer.
	timeoutStale bool
	// readyReadFailed limits ReadFailures to one per WAIT_FOR_READY visit.
	readyReadFailed bool
}

// NewTransmitter creates a transmitter in the DISABLED state. The physical
// link is assumed up until SetPhysicalState reports otherwise.
func NewTransmitter(
	protocol Protocol,
	port Port,
	cipher Cipher,
	platform Platform,
	logger *slog.Logger,
	opts ...Option,
) (*Transmitter, error) {
	if err := checkCollaborators(protocol, port, cipher, platform); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Transmitter{
		protocol: protocol,
		port:     port,
		cipher:   cipher,
		platform: platform,
		logger: logger.With(
			slog.String("direction", DirectionTx.String()),
			slog.String("protocol", protocol.String()),
		),
		metrics:  o.metrics,
		notifyCh: o.notifyCh,
		phyUp:    true,
	}, nil
}

// --- Event producers ---

func (t *Transmitter) post(e TxEvent) { t.pending.post(uint8(e), txCancels(e)) }

// Enable requests the transmitter leave DISABLED.
func (t *Transmitter) Enable() { t.post(TxEventEnable) }

// Disable requests the transmitter enter DISABLED. A pending Enable is
// cancelled.
func (t *Transmitter) Disable() { t.post(TxEventDisable) }

// Reset disables and re-enables the transmitter on the next Poll.
func (t *Transmitter) Reset() {
	t.post(TxEventDisable)
	t.post(TxEventEnable)
}

// Authenticate requests a (re)authentication.
func (t *Transmitter) Authenticate() { t.post(TxEventAuthenticate) }

// SetPhysicalState reports the physical link state. A PhyDown cancels a
// pending PhyUp.
func (t *Transmitter) SetPhysicalState(up bool) {
	if up {
		t.post(TxEventPhyUp)
		return
	}
	t.post(TxEventPhyDown)
}

// HandleTimeout is called when the platform timer armed by the engine
// expires.
func (t *Transmitter) HandleTimeout() { t.post(TxEventTimeout) }

// --- Accessors ---

// Protocol returns the link protocol.
func (t *Transmitter) Protocol() Protocol { return t.protocol }

// State returns the current state.
func (t *Transmitter) State() TxState { return TxState(t.state.Load()) }

// PreviousState returns the state before the last transition.
func (t *Transmitter) PreviousState() TxState { return TxState(t.prevState.Load()) }

// PendingEvents returns the pending event bitset, indexed by TxEvent.
func (t *Transmitter) PendingEvents() uint32 { return t.pending.load() }

// Stats returns a snapshot of the counters.
func (t *Transmitter) Stats() TxStats { return t.stats.snapshot() }

// IsAuthenticated reports whether the link is authenticated.
func (t *Transmitter) IsAuthenticated() bool { return isTxAuthenticated(t.State()) }

// IsInProgress reports whether an authentication attempt is running.
func (t *Transmitter) IsInProgress() bool {
	switch t.State() {
	case TxStateDisabled, TxStateAuthenticated, TxStateLinkIntegrityCheck,
		TxStateUnauthenticated, TxStatePhyDown:
		return false
	default:
		return true
	}
}

// IsRepeater reports whether the current receiver is a repeater.
func (t *Transmitter) IsRepeater() bool { return t.isRepeater }

// Topology returns the last validated repeater topology. Info is zero and
// Ksvs empty when the receiver is not a repeater.
func (t *Transmitter) Topology() Topology {
	return Topology{Info: t.topology.Info, Ksvs: append([]Ksv(nil), t.topology.Ksvs...)}
}

// Encryption returns the requested encryption stream map.
func (t *Transmitter) Encryption() uint64 { return t.encryptionMap }

func isTxAuthenticated(s TxState) bool {
	return s == TxStateAuthenticated || s == TxStateLinkIntegrityCheck
}

// --- Configuration ---

// SetLaneCount programs the cipher lane count.
func (t *Transmitter) SetLaneCount(n int) error {
	if err := t.cipher.SetLaneCount(n); err != nil {
		return fmt.Errorf("set lane count %d: %w", n, err)
	}
	return nil
}

// SetKeySelect programs the cipher key select vector.
func (t *Transmitter) SetKeySelect(sel uint8) error {
	if err := t.cipher.SetKeySelect(sel); err != nil {
		return fmt.Errorf("set key select %d: %w", sel, err)
	}
	return nil
}

// EnableEncryption adds streams to the encryption map. The cipher is
// programmed immediately when the link is authenticated, otherwise on the
// next entry into AUTHENTICATED.
func (t *Transmitter) EnableEncryption(streams uint64) error {
	t.encryptionMap |= streams
	if !isTxAuthenticated(t.State()) {
		return nil
	}

	t.platform.BusyDelay(encryptionSettle)
	err := t.cipher.EnableEncryption(t.encryptionMap)
	t.platform.BusyDelay(encryptionSettle)
	if err != nil {
		return fmt.Errorf("enable encryption %#x: %w", streams, err)
	}
	return nil
}

// DisableEncryption removes streams from the encryption map and stops
// encrypting them immediately.
func (t *Transmitter) DisableEncryption(streams uint64) error {
	t.encryptionMap &^= streams
	if err := t.cipher.DisableEncryption(streams); err != nil {
		return fmt.Errorf("disable encryption %#x: %w", streams, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Dispatch
// -------------------------------------------------------------------------

// Poll posts POLL, drains the pending set and dispatches every set event
// in ascending event order. Events posted while dispatching are handled by
// the next Poll.
func (t *Transmitter) Poll() {
	t.post(TxEventPoll)
	pending := t.pending.drain()
	t.timeoutStale = false
	for ev := range txEventCount {
		if pending&(1<<ev) == 0 {
			continue
		}
		if ev == TxEventTimeout && t.timeoutStale {
			t.logger.Debug("stale timeout dropped", slog.String("state", t.State().String()))
			continue
		}
		t.dispatch(ev)
	}
}

func (t *Transmitter) dispatch(ev TxEvent) {
	switch ev {
	case TxEventPhyUp:
		t.phyUp = true
	case TxEventPhyDown:
		t.phyUp = false
	}

	res := ApplyTxEvent(t.State(), ev)
	if !res.Handled {
		if ev != TxEventPoll {
			t.logger.Debug("event ignored",
				slog.String("state", res.OldState.String()),
				slog.String("event", ev.String()),
			)
		}
		return
	}

	t.setState(t.execute(res))
}

// execute runs the transition action and returns the state to move to.
func (t *Transmitter) execute(res TxResult) TxState {
	switch res.Action {
	case ActionNone:
		return res.NewState
	case ActionEnable:
		if t.phyUp {
			return TxStateUnauthenticated
		}
		return TxStatePhyDown
	case ActionStartComputations:
		return t.startComputations()
	case ActionPollComputations:
		if t.cipher.IsRequestComplete() {
			return TxStateValidateRx
		}
		return TxStateComputations
	case ActionValidateRx:
		return t.validateRx()
	case ActionPollReady:
		return t.pollReady()
	case ActionReadyTimeout:
		next := t.pollReady()
		if next == TxStateWaitForReady {
			t.authFailed("repeater not ready", slog.Duration("timeout", waitForReadyTimeout))
			return TxStateUnauthenticated
		}
		return next
	case ActionReauthenticate:
		t.stats.reauthRequested.Add(1)
		t.logger.Info("re-authentication requested")
		return res.NewState
	case ActionLinkDown:
		t.linkCheckFailed("cipher reported link failure")
		return res.NewState
	case ActionResume:
		if t.encryptionMap != 0 {
			t.post(TxEventAuthenticate)
		}
		return res.NewState
	default:
		t.logger.Warn("unknown action", slog.String("action", res.Action.String()))
		return res.OldState
	}
}

// setState runs the exit/enter loop until an enter hook settles.
func (t *Transmitter) setState(next TxState) {
	for steps := 0; t.State() != next; steps++ {
		if steps == maxStateChain {
			t.logger.Error("state chain limit reached",
				slog.String("state", t.State().String()),
				slog.String("next", next.String()),
			)
			return
		}

		cur := t.State()
		t.exitState(cur)
		t.prevState.Store(uint32(cur))
		t.state.Store(uint32(next))
		t.reportTransition(cur, next)
		next = t.enterState(next)
	}
}

func (t *Transmitter) enterState(s TxState) TxState {
	switch s {
	case TxStateDisabled:
		t.enterDisabled()
	case TxStateDetermineRxCapable:
		return t.determineRxCapable()
	case TxStateExchangeKsvs:
		return t.exchangeKsvs()
	case TxStateComputations:
		return t.startComputations()
	case TxStateValidateRx:
		t.startTimer(validateRxTimeout)
	case TxStateAuthenticated:
		t.enterAuthenticated()
	case TxStateLinkIntegrityCheck:
		return t.checkLinkIntegrity()
	case TxStateTestForRepeater:
		return t.testForRepeater()
	case TxStateWaitForReady:
		t.readyReadFailed = false
		t.startTimer(waitForReadyTimeout)
	case TxStateReadKsvList:
		return t.readKsvList()
	case TxStateUnauthenticated:
		t.enterUnauthenticated()
	case TxStatePhyDown:
		t.disableEncryptionState()
		t.warnOnErr("disable cipher", t.cipher.Disable())
	}
	return s
}

func (t *Transmitter) exitState(s TxState) {
	switch s {
	case TxStateDisabled:
		t.enableState()
	case TxStateValidateRx, TxStateWaitForReady:
		t.stopTimer()
	case TxStatePhyDown:
		t.warnOnErr("enable cipher", t.cipher.Enable())
	default:
	}
}

func (t *Transmitter) reportTransition(from, to TxState) {
	level := slog.LevelInfo
	if from == TxStateLinkIntegrityCheck || to == TxStateLinkIntegrityCheck {
		level = slog.LevelDebug
	}
	t.logger.Log(context.Background(), level, "state changed",
		slog.String("old_state", from.String()),
		slog.String("new_state", to.String()),
	)

	t.metrics.RecordStateTransition(DirectionTx.String(), from.String(), to.String())
	t.metrics.SetAuthenticated(DirectionTx.String(), isTxAuthenticated(to))
	emit(t.notifyCh, t.logger, StateChange{
		Direction: DirectionTx,
		OldState:  from.String(),
		NewState:  to.String(),
		Timestamp: time.Now(),
	})
}

// -------------------------------------------------------------------------
// State hooks
// -------------------------------------------------------------------------

// enableState runs when leaving DISABLED.
func (t *Transmitter) enableState() {
	t.setCheckLink(false)
	t.cipher.SetLinkFailCallback(func() { t.post(TxEventLinkDown) })
	t.cipher.SetRiUpdateCallback(func() { t.post(TxEventCheck) })
	t.warnOnErr("enable cipher", t.cipher.Enable())
	t.port.SetAuthCallback(func() { t.post(TxEventAuthenticate) })
	t.warnOnErr("enable port", t.port.Enable())
}

func (t *Transmitter) enterDisabled() {
	t.stopTimer()
	t.disableEncryptionState()
	t.setCheckLink(false)
	t.warnOnErr("disable cipher", t.cipher.Disable())
	t.warnOnErr("disable port", t.port.Disable())

	t.encryptionMap = 0
	t.an = 0
	t.isRepeater = false
	t.repeaterInfo = 0
	t.topology = Topology{}

	t.stats.reset()
	t.logger.Debug("statistics cleared")
}

func (t *Transmitter) determineRxCapable() TxState {
	t.setCheckLink(false)
	t.disableEncryptionState()

	if !t.port.IsCapable() {
		t.logger.Warn("receiver is not HDCP capable")
		return TxStateUnauthenticated
	}
	return TxStateExchangeKsvs
}

func (t *Transmitter) exchangeKsvs() TxState {
	buf := make([]byte, KsvSize)
	if err := t.readReg(RegBksv, buf); err != nil {
		t.logger.Warn("BKSV read failed", slog.String("error", err.Error()))
		return TxStateUnauthenticated
	}

	bksv := KsvFromBytes(buf)
	if !bksv.IsValid() {
		t.authFailed("invalid BKSV", slog.String("bksv", bksv.String()))
		return TxStateUnauthenticated
	}
	if t.platform.IsKsvRevoked(bksv) {
		t.authFailed("revoked BKSV", slog.String("bksv", bksv.String()))
		return TxStateUnauthenticated
	}

	t.isRepeater = t.port.IsRepeater()
	an, err := generateAn(t.cipher)
	if err != nil {
		t.authFailed("An generation failed", slog.String("error", err.Error()))
		return TxStateUnauthenticated
	}
	t.an = an

	if err := t.writeReg(RegAn, binary.LittleEndian.AppendUint64(nil, t.an)); err != nil {
		t.logger.Warn("An write failed", slog.String("error", err.Error()))
		return TxStateUnauthenticated
	}
	// AKSV last: the receiver starts its computations on this write.
	if err := t.writeReg(RegAksv, t.cipher.LocalKsv().Bytes()); err != nil {
		t.logger.Warn("AKSV write failed", slog.String("error", err.Error()))
		return TxStateUnauthenticated
	}
	if err := t.cipher.SetRemoteKsv(bksv); err != nil {
		t.logger.Warn("cipher rejected BKSV", slog.String("error", err.Error()))
		return TxStateUnauthenticated
	}

	t.logger.Debug("KSVs exchanged",
		slog.String("bksv", bksv.String()),
		slog.Bool("repeater", t.isRepeater),
	)
	return TxStateComputations
}

func (t *Transmitter) startComputations() TxState {
	x, y, z := SplitAn(t.an, t.isRepeater)
	if err := t.cipher.SetB(x, y, z); err != nil {
		t.logger.Warn("cipher SetB failed", slog.String("error", err.Error()))
		return TxStateUnauthenticated
	}
	if err := t.cipher.DoRequest(RequestBlock); err != nil {
		t.logger.Warn("cipher block request failed", slog.String("error", err.Error()))
		return TxStateUnauthenticated
	}
	return TxStateComputations
}

func (t *Transmitter) validateRx() TxState {
	buf := make([]byte, RiSize)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := t.readReg(RegRi, buf); err != nil {
			t.logger.Debug("Ro' read failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}

		remote, local := binary.LittleEndian.Uint16(buf), t.cipher.Ro()
		if remote == local {
			return TxStateTestForRepeater
		}
		t.logger.Debug("Ro' mismatch",
			slog.Int("attempt", attempt),
			slog.String("remote", fmt.Sprintf("%04x", remote)),
			slog.String("local", fmt.Sprintf("%04x", local)),
		)
	}

	t.authFailed("Ro' mismatch", slog.Int("attempts", maxAttempts))
	return TxStateUnauthenticated
}

func (t *Transmitter) testForRepeater() TxState {
	if !t.isRepeater {
		return TxStateAuthenticated
	}

	if err := t.writeReg(RegAinfo, []byte{0}); err != nil {
		t.logger.Warn("AINFO write failed", slog.String("error", err.Error()))
	}
	// Encrypt while the repeater assembles its KSV list.
	t.enableEncryptionState()
	return TxStateWaitForReady
}

func (t *Transmitter) pollReady() TxState {
	info, err := t.port.RepeaterInfo()
	switch {
	case errors.Is(err, ErrRepeaterNotReady):
		return TxStateWaitForReady
	case err != nil:
		if !t.readyReadFailed {
			t.readyReadFailed = true
			t.countReadFailure()
		}
		t.logger.Debug("repeater info read failed", slog.String("error", err.Error()))
		return TxStateWaitForReady
	}

	if info.Overflow() {
		t.authFailed("repeater topology overflow", slog.String("info", info.String()))
		return TxStateUnauthenticated
	}

	t.repeaterInfo = info
	if info.DeviceCount() == 0 {
		t.topology = Topology{Info: info}
		return TxStateAuthenticated
	}
	return TxStateReadKsvList
}

func (t *Transmitter) readKsvList() TxState {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ksvs, err := t.validateKsvList(t.repeaterInfo)
		if err == nil {
			t.topology = Topology{Info: t.repeaterInfo, Ksvs: ksvs}
			t.logger.Info("repeater KSV list validated", slog.String("info", t.repeaterInfo.String()))
			return TxStateAuthenticated
		}

		if attempt == maxAttempts {
			t.authFailed("KSV list validation failed", slog.String("error", err.Error()))
			break
		}
		t.logger.Debug("KSV list validation retry",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	return TxStateUnauthenticated
}

func (t *Transmitter) enterAuthenticated() {
	t.an = 0
	t.enableEncryptionState()

	if t.PreviousState() == TxStateLinkIntegrityCheck {
		return
	}

	t.stats.authPassed.Add(1)
	t.metrics.IncAuthentications(DirectionTx.String(), ResultPassed)
	t.setCheckLink(true)
	t.logger.Info("authenticated",
		slog.Bool("repeater", t.isRepeater),
		slog.String("encryption", fmt.Sprintf("%#x", t.encryptionMap)),
	)
}

func (t *Transmitter) checkLinkIntegrity() TxState {
	buf := make([]byte, RiSize)
	var remote, local uint16
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := t.readReg(RegRi, buf); err != nil {
			continue
		}

		remote, local = binary.LittleEndian.Uint16(buf), t.cipher.Ri()
		if remote == local {
			t.stats.linkCheckPassed.Add(1)
			t.metrics.IncLinkChecks(DirectionTx.String(), ResultPassed)
			return TxStateAuthenticated
		}
	}

	t.linkCheckFailed("Ri' mismatch",
		slog.String("remote", fmt.Sprintf("%04x", remote)),
		slog.String("local", fmt.Sprintf("%04x", local)),
	)
	return TxStateDetermineRxCapable
}

func (t *Transmitter) enterUnauthenticated() {
	t.an = 0
	t.disableEncryptionState()
	t.setCheckLink(false)
	t.isRepeater = false
	t.topology = Topology{}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// setCheckLink arms or disarms the protocol's link check. Disarming turns
// off both mechanisms.
func (t *Transmitter) setCheckLink(on bool) {
	if !on {
		t.cipher.SetRiUpdate(false)
		t.cipher.SetLinkStateCheck(false)
		return
	}
	switch t.protocol {
	case ProtocolHDMI:
		t.cipher.SetRiUpdate(true)
	case ProtocolDP:
		t.cipher.SetLinkStateCheck(true)
	}
}

func (t *Transmitter) enableEncryptionState() {
	if t.encryptionMap == 0 {
		return
	}
	t.platform.BusyDelay(encryptionSettle)
	t.warnOnErr("enable encryption", t.cipher.EnableEncryption(t.encryptionMap))
	t.platform.BusyDelay(encryptionSettle)
}

func (t *Transmitter) disableEncryptionState() {
	active := t.cipher.Encryption()
	if active == 0 {
		return
	}
	t.warnOnErr("disable encryption", t.cipher.DisableEncryption(active))
	t.platform.BusyDelay(encryptionSettle)
}

func (t *Transmitter) readReg(off uint8, buf []byte) error {
	err := readFull(t.port, off, buf)
	if err != nil {
		t.countReadFailure()
	}
	return err
}

func (t *Transmitter) writeReg(off uint8, buf []byte) error {
	err := writeFull(t.port, off, buf)
	if err != nil {
		t.countReadFailure()
	}
	return err
}

// startTimer arms the platform timer. Any TIMEOUT already posted or
// drained belongs to an earlier timer and is discarded.
func (t *Transmitter) startTimer(d time.Duration) {
	t.dropTimeout()
	t.platform.TimerStart(d)
}

func (t *Transmitter) stopTimer() {
	t.platform.TimerStop()
	t.dropTimeout()
}

func (t *Transmitter) dropTimeout() {
	t.pending.clear(uint8(TxEventTimeout))
	t.timeoutStale = true
}

func (t *Transmitter) countReadFailure() {
	t.stats.readFailures.Add(1)
	t.metrics.IncReadFailures(DirectionTx.String())
}

func (t *Transmitter) authFailed(reason string, attrs ...any) {
	t.stats.authFailed.Add(1)
	t.metrics.IncAuthentications(DirectionTx.String(), ResultFailed)
	t.logger.Warn("authentication failed", append([]any{slog.String("reason", reason)}, attrs...)...)
}

func (t *Transmitter) linkCheckFailed(reason string, attrs ...any) {
	t.stats.linkCheckFailed.Add(1)
	t.metrics.IncLinkChecks(DirectionTx.String(), ResultFailed)
	t.logger.Warn("link integrity check failed", append([]any{slog.String("reason", reason)}, attrs...)...)
}

func (t *Transmitter) warnOnErr(op string, err error) {
	if err != nil {
		t.logger.Warn(op+" failed", slog.String("error", err.Error()))
	}
}
