package sim_test

import (
	"errors"
	"testing"

	"github.com/dantte-lp/gohdcp/internal/hdcp"
	"github.com/dantte-lp/gohdcp/internal/sim"
)

const (
	txKsv hdcp.Ksv = 0x00000FFFFF
	rxKsv hdcp.Ksv = 0xFFFFF00000
)

// keyedPair returns two enabled ciphers that completed a block request with
// the same B value.
func keyedPair(t *testing.T, b [3]uint32) (tx, rx *sim.Cipher) {
	t.Helper()

	tx, rx = sim.NewCipher(txKsv, 0), sim.NewCipher(rxKsv, 0)
	for _, c := range []struct {
		c      *sim.Cipher
		remote hdcp.Ksv
	}{{tx, rxKsv}, {rx, txKsv}} {
		if err := c.c.Enable(); err != nil {
			t.Fatalf("Enable: %v", err)
		}
		if err := c.c.SetRemoteKsv(c.remote); err != nil {
			t.Fatalf("SetRemoteKsv: %v", err)
		}
		if err := c.c.SetB(b[0], b[1], b[2]); err != nil {
			t.Fatalf("SetB: %v", err)
		}
		if err := c.c.DoRequest(hdcp.RequestBlock); err != nil {
			t.Fatalf("DoRequest: %v", err)
		}
		if !c.c.IsRequestComplete() {
			t.Fatal("zero-latency block request still pending")
		}
	}
	return tx, rx
}

func TestCipherPairAgrees(t *testing.T) {
	t.Parallel()

	tx, rx := keyedPair(t, [3]uint32{0x406a74d, 0x51f7175, 0x3})

	if tx.Ro() != rx.Ro() {
		t.Errorf("Ro tx=%#04x rx=%#04x, want equal", tx.Ro(), rx.Ro())
	}
	if tx.Mo() != rx.Mo() || tx.Mo() == 0 {
		t.Errorf("Mo tx=%#x rx=%#x, want equal and non-zero", tx.Mo(), rx.Mo())
	}
	if tx.Ri() != tx.Ro() {
		t.Errorf("Ri = %#04x before the first frame, want Ro %#04x", tx.Ri(), tx.Ro())
	}

	for range 5 {
		tx.Frame()
		rx.Frame()
		if tx.Ri() != rx.Ri() {
			t.Fatalf("Ri diverged: tx=%#04x rx=%#04x", tx.Ri(), rx.Ri())
		}
	}
}

func TestCipherBChangesSession(t *testing.T) {
	t.Parallel()

	a, _ := keyedPair(t, [3]uint32{1, 2, 3})
	b, _ := keyedPair(t, [3]uint32{1, 2, 0x103})

	if a.Mo() == b.Mo() {
		t.Error("repeater bit in B did not change Mo")
	}
}

func TestCipherRequestLatency(t *testing.T) {
	t.Parallel()

	c := sim.NewCipher(txKsv, 2)
	if err := c.DoRequest(hdcp.RequestRng); !errors.Is(err, sim.ErrCipherDisabled) {
		t.Fatalf("DoRequest on disabled cipher: %v, want ErrCipherDisabled", err)
	}
	_ = c.Enable()

	if err := c.DoRequest(hdcp.RequestRng); err != nil {
		t.Fatalf("DoRequest: %v", err)
	}
	if err := c.DoRequest(hdcp.RequestRng); !errors.Is(err, sim.ErrBusy) {
		t.Errorf("second DoRequest: %v, want ErrBusy", err)
	}
	if c.IsRequestComplete() {
		t.Error("request complete after one step, want two")
	}
	if !c.IsRequestComplete() {
		t.Error("request still pending after latency elapsed")
	}
	if c.Mi() == 0 {
		t.Error("Mi = 0 after RNG request")
	}
}

func TestCipherRekeyNeedsBlock(t *testing.T) {
	t.Parallel()

	c := sim.NewCipher(txKsv, 0)
	_ = c.Enable()
	if err := c.DoRequest(hdcp.RequestRekey); !errors.Is(err, sim.ErrNoBlock) {
		t.Errorf("Rekey without block: %v, want ErrNoBlock", err)
	}
	if err := c.EnableEncryption(1); !errors.Is(err, sim.ErrNoBlock) {
		t.Errorf("EnableEncryption without block: %v, want ErrNoBlock", err)
	}
}

func TestCipherSettings(t *testing.T) {
	t.Parallel()

	c := sim.NewCipher(txKsv, 0)
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"lanes 0", c.SetLaneCount(0), sim.ErrLaneCount},
		{"lanes 5", c.SetLaneCount(5), sim.ErrLaneCount},
		{"lanes 2", c.SetLaneCount(2), nil},
		{"key 8", c.SetKeySelect(8), sim.ErrKeySelect},
		{"key 7", c.SetKeySelect(7), nil},
		{"bad remote", c.SetRemoteKsv(0x1), hdcp.ErrInvalidKsv},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, tt.err, tt.want)
		}
	}
	if c.Lanes() != 2 || c.KeySelect() != 7 {
		t.Errorf("Lanes=%d KeySelect=%d, want 2 and 7", c.Lanes(), c.KeySelect())
	}
}

func TestCipherKeySelectChangesSession(t *testing.T) {
	t.Parallel()

	a, _ := keyedPair(t, [3]uint32{1, 2, 3})

	b := sim.NewCipher(txKsv, 0)
	_ = b.Enable()
	_ = b.SetKeySelect(3)
	_ = b.SetRemoteKsv(rxKsv)
	_ = b.SetB(1, 2, 3)
	_ = b.DoRequest(hdcp.RequestBlock)

	if a.Mo() == b.Mo() {
		t.Error("key select did not change Mo")
	}
}

func TestCipherCallbacks(t *testing.T) {
	t.Parallel()

	c, _ := keyedPair(t, [3]uint32{1, 2, 3})

	var ri, fail int
	c.SetRiUpdateCallback(func() { ri++ })
	c.SetLinkFailCallback(func() { fail++ })

	c.Frame()
	c.SetLinkUp(false)
	if ri != 0 || fail != 0 {
		t.Fatalf("callbacks fired while disarmed: ri=%d fail=%d", ri, fail)
	}
	if c.IsLinkUp() {
		t.Error("IsLinkUp = true with link down")
	}

	c.SetRiUpdate(true)
	c.SetLinkStateCheck(true)
	c.SetLinkUp(true)
	c.Frame()
	c.SetLinkUp(false)
	if ri != 1 || fail != 1 {
		t.Errorf("armed callbacks: ri=%d fail=%d, want 1 and 1", ri, fail)
	}
}

func TestCipherDisableDropsSession(t *testing.T) {
	t.Parallel()

	c, _ := keyedPair(t, [3]uint32{1, 2, 3})
	if err := c.EnableEncryption(0x3); err != nil {
		t.Fatalf("EnableEncryption: %v", err)
	}
	if err := c.DisableEncryption(0x1); err != nil {
		t.Fatalf("DisableEncryption: %v", err)
	}
	if got := c.Encryption(); got != 0x2 {
		t.Errorf("Encryption = %#x, want 0x2", got)
	}

	_ = c.Disable()
	if c.Encryption() != 0 || c.IsLinkUp() {
		t.Errorf("after Disable: encryption=%#x linkUp=%v", c.Encryption(), c.IsLinkUp())
	}
}
