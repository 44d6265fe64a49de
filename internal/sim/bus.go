package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dantte-lp/gohdcp/internal/hdcp"
)

// ErrInjected is returned for reads failed through Bus.FailReads.
var ErrInjected = errors.New("injected register fault")

// ErrOutOfRange indicates a transfer past the end of the register file.
var ErrOutOfRange = errors.New("register offset out of range")

const regFileSize = 256

// Bus is the receiver's register file, shared by a TxPort (remote view)
// and an RxPort (local view). All methods are safe for concurrent use.
// Callbacks are invoked without the lock held.
type Bus struct {
	mu sync.Mutex

	regs    [regFileSize]byte
	fifo    []byte
	fifoPos int
	capable bool

	rxAuth func()
	txAuth func()

	faults map[uint8]int

	repeater *repeaterState
}

// NewBus returns an empty register file. BCAPS advertises HDMI and fast
// re-authentication.
func NewBus() *Bus {
	b := &Bus{faults: make(map[uint8]int)}
	b.regs[hdcp.RegBcaps] = hdcp.BcapsHdmi | hdcp.BcapsFastReauth
	return b
}

// FailReads makes the next n reads at off fail with ErrInjected.
func (b *Bus) FailReads(off uint8, n int) {
	b.mu.Lock()
	b.faults[off] = n
	b.mu.Unlock()
}

// Register returns a copy of n bytes at off.
func (b *Bus) Register(off uint8, n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := min(int(off)+n, regFileSize)
	return append([]byte(nil), b.regs[off:end]...)
}

// Bcaps returns the BCAPS register.
func (b *Bus) Bcaps() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regs[hdcp.RegBcaps]
}

// RequestReauth asks the transmitter to re-authenticate, as a downstream
// device does after a topology change.
func (b *Bus) RequestReauth() {
	b.mu.Lock()
	fn := b.txAuth
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Tick advances repeater emulation by one frame.
func (b *Bus) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.repeater != nil {
		b.repeater.tick(b)
	}
}

func (b *Bus) read(off uint8, buf []byte, remote bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n := b.faults[off]; n > 0 {
		b.faults[off] = n - 1
		return 0, fmt.Errorf("read 0x%02x: %w", off, ErrInjected)
	}

	if remote && off == hdcp.RegKsvFifo {
		if len(b.fifo) == 0 {
			return 0, nil
		}
		for i := range buf {
			buf[i] = b.fifo[b.fifoPos]
			b.fifoPos = (b.fifoPos + 1) % len(b.fifo)
		}
		return len(buf), nil
	}

	if int(off)+len(buf) > regFileSize {
		return 0, fmt.Errorf("read 0x%02x+%d: %w", off, len(buf), ErrOutOfRange)
	}
	return copy(buf, b.regs[off:]), nil
}

func (b *Bus) write(off uint8, buf []byte, remote bool) (int, error) {
	if int(off)+len(buf) > regFileSize {
		return 0, fmt.Errorf("write 0x%02x+%d: %w", off, len(buf), ErrOutOfRange)
	}

	b.mu.Lock()
	n := copy(b.regs[off:], buf)

	var fire func()
	switch {
	case remote && off == hdcp.RegAksv:
		if b.repeater != nil {
			b.repeater.restart(b)
		}
		fire = b.rxAuth
	case !remote && off == hdcp.RegRi && b.repeater != nil:
		b.repeater.roPublished(b)
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
	return n, nil
}

// repeaterInfo returns the BSTATUS topology word, or ErrRepeaterNotReady
// until READY is set.
func (b *Bus) repeaterInfo() (hdcp.RepeaterInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.regs[hdcp.RegBcaps]&hdcp.BcapsReady == 0 {
		return 0, hdcp.ErrRepeaterNotReady
	}
	return hdcp.RepeaterInfo(binary.LittleEndian.Uint16(b.regs[hdcp.RegBstatus:]) & 0x0FFF), nil
}

func (b *Bus) isRepeater() bool { return b.Bcaps()&hdcp.BcapsRepeater != 0 }

// -------------------------------------------------------------------------
// Ports
// -------------------------------------------------------------------------

// TxPort is the transmitter's view of the bus.
type TxPort struct {
	bus *Bus
}

// NewTxPort returns the transmitter-side port of b.
func NewTxPort(b *Bus) *TxPort { return &TxPort{bus: b} }

// Read reads remote registers. Reads of the KSV FIFO pop bytes.
func (p *TxPort) Read(off uint8, buf []byte) (int, error) { return p.bus.read(off, buf, true) }

// Write writes remote registers. Writing AKSV raises the receiver's
// authentication callback.
func (p *TxPort) Write(off uint8, buf []byte) (int, error) { return p.bus.write(off, buf, true) }

// IsCapable reports whether the receiver side is enabled.
func (p *TxPort) IsCapable() bool {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	return p.bus.capable
}

// IsRepeater reports the BCAPS repeater bit.
func (p *TxPort) IsRepeater() bool { return p.bus.isRepeater() }

// RepeaterInfo returns the BSTATUS topology once READY is set.
func (p *TxPort) RepeaterInfo() (hdcp.RepeaterInfo, error) { return p.bus.repeaterInfo() }

// SetAuthCallback installs the downstream re-authentication callback.
func (p *TxPort) SetAuthCallback(fn func()) {
	p.bus.mu.Lock()
	p.bus.txAuth = fn
	p.bus.mu.Unlock()
}

// Enable is a no-op for the transmitter side.
func (p *TxPort) Enable() error { return nil }

// Disable is a no-op for the transmitter side.
func (p *TxPort) Disable() error { return nil }

// RxPort is the receiver's local view of the bus.
type RxPort struct {
	bus *Bus
}

// NewRxPort returns the receiver-side port of b.
func NewRxPort(b *Bus) *RxPort { return &RxPort{bus: b} }

// Read reads local registers.
func (p *RxPort) Read(off uint8, buf []byte) (int, error) { return p.bus.read(off, buf, false) }

// Write writes local registers.
func (p *RxPort) Write(off uint8, buf []byte) (int, error) { return p.bus.write(off, buf, false) }

// IsCapable always reports true for the local side.
func (p *RxPort) IsCapable() bool { return true }

// IsRepeater reports the BCAPS repeater bit.
func (p *RxPort) IsRepeater() bool { return p.bus.isRepeater() }

// RepeaterInfo returns the published topology.
func (p *RxPort) RepeaterInfo() (hdcp.RepeaterInfo, error) { return p.bus.repeaterInfo() }

// SetAuthCallback installs the callback raised by AKSV writes.
func (p *RxPort) SetAuthCallback(fn func()) {
	p.bus.mu.Lock()
	p.bus.rxAuth = fn
	p.bus.mu.Unlock()
}

// Enable makes the receiver visible as HDCP capable.
func (p *RxPort) Enable() error {
	p.bus.mu.Lock()
	p.bus.capable = true
	p.bus.mu.Unlock()
	return nil
}

// Disable hides the receiver.
func (p *RxPort) Disable() error {
	p.bus.mu.Lock()
	p.bus.capable = false
	p.bus.mu.Unlock()
	return nil
}
