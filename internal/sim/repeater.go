package sim

import (
	"encoding/binary"

	"github.com/dantte-lp/gohdcp/internal/hdcp"
)

// RepeaterConfig describes an emulated downstream topology.
type RepeaterConfig struct {
	// Ksvs lists the downstream device KSVs published in the KSV FIFO.
	Ksvs []hdcp.Ksv

	// Depth is the cascade depth reported in BSTATUS.
	Depth int

	// ReadyFrames is the number of Tick calls between the receiver
	// publishing Ri and the repeater asserting READY.
	ReadyFrames int
}

type repeaterState struct {
	cfg       RepeaterConfig
	mo        func() uint64
	countdown int
}

// SetRepeater turns the bus into a repeater. mo supplies the receiver
// cipher's Mo for V'. A nil cfg reverts to a plain receiver.
func (b *Bus) SetRepeater(cfg *RepeaterConfig, mo func() uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cfg == nil {
		b.repeater = nil
		b.regs[hdcp.RegBcaps] &^= hdcp.BcapsRepeater | hdcp.BcapsReady
		b.fifo, b.fifoPos = nil, 0
		return
	}

	b.repeater = &repeaterState{cfg: *cfg, mo: mo, countdown: -1}
	b.regs[hdcp.RegBcaps] |= hdcp.BcapsRepeater
	b.regs[hdcp.RegBcaps] &^= hdcp.BcapsReady
}

// restart runs on an AKSV write. Caller holds b.mu.
func (r *repeaterState) restart(b *Bus) {
	r.countdown = -1
	b.regs[hdcp.RegBcaps] &^= hdcp.BcapsReady
	b.fifo, b.fifoPos = nil, 0
}

// roPublished runs when the receiver writes Ri. Only the first write after
// an AKSV write starts the countdown. Caller holds b.mu.
func (r *repeaterState) roPublished(b *Bus) {
	if r.countdown >= 0 || b.regs[hdcp.RegBcaps]&hdcp.BcapsReady != 0 {
		return
	}
	r.countdown = r.cfg.ReadyFrames
	if r.countdown == 0 {
		r.publish(b)
	}
}

// tick advances the countdown. Caller holds b.mu.
func (r *repeaterState) tick(b *Bus) {
	if r.countdown <= 0 {
		return
	}
	r.countdown--
	if r.countdown == 0 {
		r.publish(b)
	}
}

func (r *repeaterState) publish(b *Bus) {
	info := hdcp.NewRepeaterInfo(len(r.cfg.Ksvs), r.cfg.Depth)

	fifo := make([]byte, 0, len(r.cfg.Ksvs)*hdcp.KsvSize)
	for _, k := range r.cfg.Ksvs {
		fifo = k.AppendBytes(fifo)
	}
	b.fifo, b.fifoPos = fifo, 0

	binary.LittleEndian.PutUint16(b.regs[hdcp.RegBstatus:], uint16(info))

	var mo uint64
	if r.mo != nil {
		mo = r.mo()
	}
	v := hdcp.ComputeV(r.cfg.Ksvs, info, mo)
	copy(b.regs[hdcp.RegVH0:], v[:])

	b.regs[hdcp.RegBcaps] |= hdcp.BcapsReady
	r.countdown = -1
}
