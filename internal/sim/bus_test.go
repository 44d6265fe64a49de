package sim_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/dantte-lp/gohdcp/internal/hdcp"
	"github.com/dantte-lp/gohdcp/internal/sim"
)

func TestBusAksvWriteRaisesAuth(t *testing.T) {
	t.Parallel()

	b := sim.NewBus()
	tx, rx := sim.NewTxPort(b), sim.NewRxPort(b)

	var fired int
	rx.SetAuthCallback(func() { fired++ })

	if _, err := tx.Write(hdcp.RegAn, make([]byte, hdcp.AnSize)); err != nil {
		t.Fatalf("An write: %v", err)
	}
	if fired != 0 {
		t.Fatal("An write raised the auth callback")
	}
	if _, err := tx.Write(hdcp.RegAksv, txKsv.Bytes()); err != nil {
		t.Fatalf("AKSV write: %v", err)
	}
	if fired != 1 {
		t.Errorf("auth callback fired %d times, want 1", fired)
	}

	buf := make([]byte, hdcp.KsvSize)
	if _, err := rx.Read(hdcp.RegAksv, buf); err != nil {
		t.Fatalf("AKSV read: %v", err)
	}
	if got := hdcp.KsvFromBytes(buf); got != txKsv {
		t.Errorf("AKSV = %s, want %s", got, txKsv)
	}
}

func TestBusCapability(t *testing.T) {
	t.Parallel()

	b := sim.NewBus()
	tx, rx := sim.NewTxPort(b), sim.NewRxPort(b)

	if tx.IsCapable() {
		t.Error("capable before the receiver is enabled")
	}
	_ = rx.Enable()
	if !tx.IsCapable() {
		t.Error("not capable after the receiver is enabled")
	}
	_ = rx.Disable()
	if tx.IsCapable() {
		t.Error("capable after the receiver is disabled")
	}
}

func TestBusFaultsAndRange(t *testing.T) {
	t.Parallel()

	b := sim.NewBus()
	tx := sim.NewTxPort(b)
	b.FailReads(hdcp.RegRi, 2)

	buf := make([]byte, hdcp.RiSize)
	for i := range 2 {
		if _, err := tx.Read(hdcp.RegRi, buf); !errors.Is(err, sim.ErrInjected) {
			t.Errorf("read %d: %v, want ErrInjected", i, err)
		}
	}
	if _, err := tx.Read(hdcp.RegRi, buf); err != nil {
		t.Errorf("read after faults drained: %v", err)
	}
	if _, err := tx.Write(0xFF, []byte{1, 2}); !errors.Is(err, sim.ErrOutOfRange) {
		t.Errorf("write past end: %v, want ErrOutOfRange", err)
	}
}

func TestBusRequestReauth(t *testing.T) {
	t.Parallel()

	b := sim.NewBus()
	tx := sim.NewTxPort(b)
	var fired int
	tx.SetAuthCallback(func() { fired++ })

	b.RequestReauth()
	if fired != 1 {
		t.Errorf("reauth callback fired %d times, want 1", fired)
	}
}

func TestRepeaterPublishesTopology(t *testing.T) {
	t.Parallel()

	const mo = 0x1122334455667788
	ksvs := []hdcp.Ksv{0x5555555555, 0xAAAAAAAAAA}

	b := sim.NewBus()
	tx, rx := sim.NewTxPort(b), sim.NewRxPort(b)
	b.SetRepeater(&sim.RepeaterConfig{Ksvs: ksvs, Depth: 1, ReadyFrames: 2}, func() uint64 { return mo })

	if !tx.IsRepeater() {
		t.Fatal("repeater bit not set")
	}

	_, _ = tx.Write(hdcp.RegAksv, txKsv.Bytes())
	_, _ = rx.Write(hdcp.RegRi, []byte{0x34, 0x12})

	if _, err := tx.RepeaterInfo(); !errors.Is(err, hdcp.ErrRepeaterNotReady) {
		t.Fatalf("RepeaterInfo before READY: %v", err)
	}
	b.Tick()
	if _, err := tx.RepeaterInfo(); !errors.Is(err, hdcp.ErrRepeaterNotReady) {
		t.Fatalf("RepeaterInfo after one tick: %v", err)
	}
	b.Tick()

	info, err := tx.RepeaterInfo()
	if err != nil {
		t.Fatalf("RepeaterInfo: %v", err)
	}
	if info.DeviceCount() != 2 || info.Depth() != 1 {
		t.Errorf("info = %s, want 2 devices depth 1", info)
	}

	fifo := make([]byte, 2*hdcp.KsvSize)
	if _, err := tx.Read(hdcp.RegKsvFifo, fifo); err != nil {
		t.Fatalf("FIFO read: %v", err)
	}
	for i, want := range ksvs {
		if got := hdcp.KsvFromBytes(fifo[i*hdcp.KsvSize:]); got != want {
			t.Errorf("FIFO[%d] = %s, want %s", i, got, want)
		}
	}

	want := hdcp.ComputeV(ksvs, info, mo)
	if got := b.Register(hdcp.RegVH0, hdcp.VSize); string(got) != string(want[:]) {
		t.Errorf("V' = %x, want %x", got, want)
	}
	if got := binary.LittleEndian.Uint16(b.Register(hdcp.RegBstatus, hdcp.BstatusSize)); hdcp.RepeaterInfo(got) != info {
		t.Errorf("BSTATUS = %#04x, want %#04x", got, uint16(info))
	}

	// A new AKSV write withdraws READY.
	_, _ = tx.Write(hdcp.RegAksv, txKsv.Bytes())
	if b.Bcaps()&hdcp.BcapsReady != 0 {
		t.Error("READY still set after AKSV write")
	}
}

func TestRepeaterOff(t *testing.T) {
	t.Parallel()

	b := sim.NewBus()
	b.SetRepeater(&sim.RepeaterConfig{ReadyFrames: 0}, nil)
	b.SetRepeater(nil, nil)

	if sim.NewTxPort(b).IsRepeater() {
		t.Error("repeater bit still set after SetRepeater(nil)")
	}
}
