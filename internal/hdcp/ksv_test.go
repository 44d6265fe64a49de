package hdcp_test

import (
	"errors"
	"math/bits"
	"math/rand/v2"
	"testing"

	"github.com/dantte-lp/gohdcp/internal/hdcp"
)

func TestIsValidKsv(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   uint64
		want bool
	}{
		{"zero", 0, false},
		{"all forty ones", 0xFF_FFFF_FFFF, false},
		{"low twenty ones", 0x00_000F_FFFF, true},
		{"high twenty ones", 0xFF_FFF0_0000, true},
		{"alternating", 0x55_5555_5555, true},
		{"nineteen ones", 0x00_0007_FFFF, false},
		{"twenty one ones", 0x00_001F_FFFF, false},
		{"bits above 40 ignored", 0xFFFF_FF00_000F_FFFF, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := hdcp.IsValidKsv(tt.in); got != tt.want {
				t.Errorf("IsValidKsv(%#x) = %v, want %v", tt.in, got, tt.want)
			}
			if got := hdcp.Ksv(tt.in).IsValid(); got != tt.want {
				t.Errorf("Ksv(%#x).IsValid() = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// TestIsValidKsvMatchesPopcount checks the parity rule against random inputs.
func TestIsValidKsvMatchesPopcount(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	for range 10000 {
		x := rng.Uint64()
		want := bits.OnesCount64(x&0xFF_FFFF_FFFF) == 20
		if got := hdcp.IsValidKsv(x); got != want {
			t.Fatalf("IsValidKsv(%#x) = %v, want %v", x, got, want)
		}
	}
}

func TestKsvWireForm(t *testing.T) {
	t.Parallel()

	k := hdcp.Ksv(0x1122334455)
	b := k.Bytes()
	want := []byte{0x55, 0x44, 0x33, 0x22, 0x11}
	if string(b) != string(want) {
		t.Fatalf("Bytes() = % x, want % x", b, want)
	}
	if got := hdcp.KsvFromBytes(b); got != k {
		t.Errorf("KsvFromBytes = %s, want %s", got, k)
	}
	if got := k.String(); got != "1122334455" {
		t.Errorf("String() = %q, want %q", got, "1122334455")
	}
}

func TestParseKsv(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    hdcp.Ksv
		wantErr bool
	}{
		{in: "0x00000fffff", want: 0xFFFFF},
		{in: "FFFFF00000", want: 0xFFFFF00000},
		{in: "11:22:33:44:55", want: 0x1122334455},
		{in: "", wantErr: true},
		{in: "zz", wantErr: true},
		{in: "0x10000000000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := hdcp.ParseKsv(tt.in)
			if tt.wantErr {
				if !errors.Is(err, hdcp.ErrInvalidKsv) {
					t.Fatalf("ParseKsv(%q) error = %v, want ErrInvalidKsv", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKsv(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseKsv(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestRepeaterInfo(t *testing.T) {
	t.Parallel()

	ri := hdcp.NewRepeaterInfo(5, 2)
	if ri.DeviceCount() != 5 || ri.Depth() != 2 || ri.Overflow() {
		t.Errorf("NewRepeaterInfo(5, 2) = %s", ri)
	}
	if got := uint16(ri); got != 0x0205 {
		t.Errorf("NewRepeaterInfo(5, 2) = %#04x, want 0x0205", got)
	}

	if ri := hdcp.NewRepeaterInfo(128, 1); ri&hdcp.RepeaterMaxDevsExceeded == 0 || !ri.Overflow() {
		t.Errorf("NewRepeaterInfo(128, 1) = %s, want max-devs-exceeded", ri)
	}
	if ri := hdcp.NewRepeaterInfo(1, 8); ri&hdcp.RepeaterMaxCascadeExceeded == 0 || !ri.Overflow() {
		t.Errorf("NewRepeaterInfo(1, 8) = %s, want max-cascade-exceeded", ri)
	}
}

func TestSplitAn(t *testing.T) {
	t.Parallel()

	const an = 0x0351F7175406A74D
	x, y, z := hdcp.SplitAn(an, false)
	if x != 0x406A74D || y != 0x51F7175 || z != 0x03 {
		t.Errorf("SplitAn = (%#x, %#x, %#x), want (0x406a74d, 0x51f7175, 0x3)", x, y, z)
	}

	_, _, zr := hdcp.SplitAn(an, true)
	if zr != 0x103 {
		t.Errorf("SplitAn repeater z = %#x, want 0x103", zr)
	}
}
