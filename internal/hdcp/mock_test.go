package hdcp_test

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dantte-lp/gohdcp/internal/hdcp"
)

// -------------------------------------------------------------------------
// Test Helpers
// -------------------------------------------------------------------------

// Test KSVs with exactly 20 set bits.
const (
	txKsv hdcp.Ksv = 0x00000FFFFF
	rxKsv hdcp.Ksv = 0xFFFFF00000
	dsKsv hdcp.Ksv = 0x5555555555
	dsKsv2 hdcp.Ksv = 0xAAAAAAAAAA
)

var errFakeIO = errors.New("fake I/O error")

// fakePort is a register file with fault injection.
type fakePort struct {
	regs      [256]byte
	failRead  map[uint8]bool
	failWrite map[uint8]bool
	writes    []uint8

	capable  bool
	repeater bool
	info     hdcp.RepeaterInfo
	infoErr  error

	fifo    []byte
	fifoPos int

	authCb   func()
	enabled  int
	disabled int
}

func newFakePort() *fakePort {
	p := &fakePort{
		capable:   true,
		failRead:  make(map[uint8]bool),
		failWrite: make(map[uint8]bool),
	}
	copy(p.regs[hdcp.RegBksv:], rxKsv.Bytes())
	return p
}

func (p *fakePort) Read(off uint8, buf []byte) (int, error) {
	if p.failRead[off] {
		return 0, errFakeIO
	}
	if off == hdcp.RegKsvFifo {
		for i := range buf {
			buf[i] = p.fifo[p.fifoPos]
			p.fifoPos = (p.fifoPos + 1) % len(p.fifo)
		}
		return len(buf), nil
	}
	return copy(buf, p.regs[off:]), nil
}

func (p *fakePort) Write(off uint8, buf []byte) (int, error) {
	if p.failWrite[off] {
		return 0, errFakeIO
	}
	p.writes = append(p.writes, off)
	return copy(p.regs[off:], buf), nil
}

func (p *fakePort) IsCapable() bool                         { return p.capable }
func (p *fakePort) IsRepeater() bool                        { return p.repeater }
func (p *fakePort) RepeaterInfo() (hdcp.RepeaterInfo, error) { return p.info, p.infoErr }
func (p *fakePort) SetAuthCallback(fn func())               { p.authCb = fn }
func (p *fakePort) Enable() error                           { p.enabled++; return nil }
func (p *fakePort) Disable() error                          { p.disabled++; return nil }

func (p *fakePort) setRi(v uint16) {
	binary.LittleEndian.PutUint16(p.regs[hdcp.RegRi:], v)
}

func (p *fakePort) ri() uint16 {
	return binary.LittleEndian.Uint16(p.regs[hdcp.RegRi:])
}

func (p *fakePort) wrote(off uint8) bool {
	for _, w := range p.writes {
		if w == off {
			return true
		}
	}
	return false
}

// fakeCipher completes every request immediately unless pending is set,
// which holds block requests, or busy is non-zero, which fails that many
// completion checks of any request.
type fakeCipher struct {
	local     []hdcp.Ksv
	remote    hdcp.Ksv
	b         [3]uint32
	requests  []hdcp.Request
	pending   bool
	busy      int
	ri, ro    uint16
	mi, mo    uint64
	linkUp    bool
	riUpdate  bool
	linkCheck bool
	enc       uint64
	enabled   bool
	lanes     int
	keySel    uint8

	linkFailCb func()
	riCb       func()
}

func newFakeCipher(local hdcp.Ksv) *fakeCipher {
	return &fakeCipher{
		local:  []hdcp.Ksv{local},
		ro:     0x1234,
		ri:     0x1234,
		mi:     0x0102030405060708,
		mo:     0x1122334455667788,
		linkUp: true,
	}
}

func (c *fakeCipher) Enable() error  { c.enabled = true; return nil }
func (c *fakeCipher) Disable() error { c.enabled = false; c.enc = 0; return nil }

func (c *fakeCipher) SetKeySelect(sel uint8) error { c.keySel = sel; return nil }

func (c *fakeCipher) SetLaneCount(n int) error {
	if n < 1 || n > 4 {
		return errFakeIO
	}
	c.lanes = n
	return nil
}

// LocalKsv pops the next configured KSV; the last one repeats.
func (c *fakeCipher) LocalKsv() hdcp.Ksv {
	k := c.local[0]
	if len(c.local) > 1 {
		c.local = c.local[1:]
	}
	return k
}

func (c *fakeCipher) SetRemoteKsv(k hdcp.Ksv) error { c.remote = k; return nil }
func (c *fakeCipher) SetB(x, y, z uint32) error     { c.b = [3]uint32{x, y, z}; return nil }

func (c *fakeCipher) DoRequest(r hdcp.Request) error {
	c.requests = append(c.requests, r)
	return nil
}

func (c *fakeCipher) IsRequestComplete() bool {
	if c.busy > 0 {
		c.busy--
		return false
	}
	return !c.pending || c.lastRequest() != hdcp.RequestBlock
}

func (c *fakeCipher) lastRequest() hdcp.Request {
	if len(c.requests) == 0 {
		return 0
	}
	return c.requests[len(c.requests)-1]
}

func (c *fakeCipher) count(r hdcp.Request) int {
	n := 0
	for _, got := range c.requests {
		if got == r {
			n++
		}
	}
	return n
}

func (c *fakeCipher) Ri() uint16     { return c.ri }
func (c *fakeCipher) Ro() uint16     { return c.ro }
func (c *fakeCipher) Mi() uint64     { return c.mi }
func (c *fakeCipher) Mo() uint64     { return c.mo }
func (c *fakeCipher) IsLinkUp() bool { return c.linkUp }

func (c *fakeCipher) SetLinkStateCheck(on bool)     { c.linkCheck = on }
func (c *fakeCipher) SetRiUpdate(on bool)           { c.riUpdate = on }
func (c *fakeCipher) SetLinkFailCallback(fn func()) { c.linkFailCb = fn }
func (c *fakeCipher) SetRiUpdateCallback(fn func()) { c.riCb = fn }

func (c *fakeCipher) EnableEncryption(m uint64) error  { c.enc |= m; return nil }
func (c *fakeCipher) DisableEncryption(m uint64) error { c.enc &^= m; return nil }
func (c *fakeCipher) Encryption() uint64               { return c.enc }

// fakePlatform records timer and delay calls.
type fakePlatform struct {
	timers  []time.Duration
	stops   int
	delays  []time.Duration
	revoked map[hdcp.Ksv]bool

	// onStop runs inside TimerStop, standing in for an expiry that races
	// the cancellation.
	onStop func()
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{revoked: make(map[hdcp.Ksv]bool)}
}

func (p *fakePlatform) TimerStart(d time.Duration) { p.timers = append(p.timers, d) }
func (p *fakePlatform) TimerStop() {
	p.stops++
	if p.onStop != nil {
		p.onStop()
	}
}

func (p *fakePlatform) BusyDelay(d time.Duration) { p.delays = append(p.delays, d) }
func (p *fakePlatform) IsKsvRevoked(k hdcp.Ksv) bool {
	return p.revoked[k]
}

func (p *fakePlatform) lastTimer() time.Duration {
	if len(p.timers) == 0 {
		return 0
	}
	return p.timers[len(p.timers)-1]
}

// recordHandler is a slog.Handler that keeps every message.
type recordHandler struct {
	mu   sync.Mutex
	msgs []string
}

func (h *recordHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	h.msgs = append(h.msgs, r.Message)
	h.mu.Unlock()
	return nil
}

func (h *recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordHandler) count(msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.msgs {
		if m == msg {
			n++
		}
	}
	return n
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// txHarness bundles a transmitter with its fakes.
type txHarness struct {
	tx       *hdcp.Transmitter
	port     *fakePort
	cipher   *fakeCipher
	platform *fakePlatform
}

func newTxHarness(t *testing.T, protocol hdcp.Protocol, opts ...hdcp.Option) *txHarness {
	t.Helper()
	return newTxHarnessWithLogger(t, protocol, discardLogger(), opts...)
}

func newTxHarnessWithLogger(
	t *testing.T,
	protocol hdcp.Protocol,
	logger *slog.Logger,
	opts ...hdcp.Option,
) *txHarness {
	t.Helper()
	h := &txHarness{
		port:     newFakePort(),
		cipher:   newFakeCipher(txKsv),
		platform: newFakePlatform(),
	}
	h.port.setRi(h.cipher.ro)

	tx, err := hdcp.NewTransmitter(protocol, h.port, h.cipher, h.platform, logger, opts...)
	if err != nil {
		t.Fatalf("NewTransmitter: %v", err)
	}
	h.tx = tx
	return h
}

// enable drives the transmitter from DISABLED to UNAUTHENTICATED.
func (h *txHarness) enable(t *testing.T) {
	t.Helper()
	h.tx.Enable()
	h.tx.Poll()
	if got := h.tx.State(); got != hdcp.TxStateUnauthenticated {
		t.Fatalf("after Enable state = %s, want Unauthenticated", got)
	}
}

// toValidateRx runs the key exchange and computations.
func (h *txHarness) toValidateRx(t *testing.T) {
	t.Helper()
	h.enable(t)
	h.tx.Authenticate()
	h.tx.Poll()
	if got := h.tx.State(); got != hdcp.TxStateValidateRx {
		t.Fatalf("after Authenticate state = %s, want ValidateRx", got)
	}
}

// authenticate drives a non-repeater link to AUTHENTICATED.
func (h *txHarness) authenticate(t *testing.T) {
	t.Helper()
	h.toValidateRx(t)
	h.tx.HandleTimeout()
	h.tx.Poll()
	if got := h.tx.State(); got != hdcp.TxStateAuthenticated {
		t.Fatalf("after timeout state = %s, want Authenticated", got)
	}
}

// rxHarness bundles a receiver with its fakes.
type rxHarness struct {
	rx       *hdcp.Receiver
	port     *fakePort
	cipher   *fakeCipher
	platform *fakePlatform
}

func newRxHarness(t *testing.T, protocol hdcp.Protocol) *rxHarness {
	t.Helper()
	h := &rxHarness{
		port:     newFakePort(),
		cipher:   newFakeCipher(rxKsv),
		platform: newFakePlatform(),
	}
	copy(h.port.regs[hdcp.RegAksv:], txKsv.Bytes())
	binary.LittleEndian.PutUint64(h.port.regs[hdcp.RegAn:], 0x0351F7175406A74D)

	rx, err := hdcp.NewReceiver(protocol, h.port, h.cipher, h.platform, discardLogger())
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	h.rx = rx
	return h
}

// authenticate enables the receiver and runs one AKSV-triggered handshake.
func (h *rxHarness) authenticate(t *testing.T) {
	t.Helper()
	h.rx.Enable()
	h.rx.Poll()
	if got := h.rx.State(); got != hdcp.RxStateUnauthenticated {
		t.Fatalf("after Enable state = %s, want Unauthenticated", got)
	}
	if h.port.authCb == nil {
		t.Fatal("port auth callback not registered")
	}
	h.port.authCb()
	h.rx.Poll()
	if got := h.rx.State(); got != hdcp.RxStateAuthenticated {
		t.Fatalf("after AKSV state = %s, want Authenticated", got)
	}
}
