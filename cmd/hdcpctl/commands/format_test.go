package commands

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/gohdcp/internal/hdcp"
	"github.com/dantte-lp/gohdcp/internal/link"
)

func sampleStatus() link.Status {
	return link.Status{
		Protocol: "hdmi",
		Frames:   3,
		Transmitter: link.TransmitterStatus{
			EngineStatus: link.EngineStatus{
				State:         "Authenticated",
				PreviousState: "WaitForReady",
				Authenticated: true,
				Encryption:    "0x1",
				Ksv:           "0f0f0f0f0f",
			},
			Repeater:   true,
			Topology:   "depth=1 devices=2",
			Downstream: []string{"5555555555", "aaaaaaaaaa"},
			Stats:      hdcp.TxStats{AuthPassed: 1, LinkCheckPassed: 3},
		},
		Receiver: link.ReceiverStatus{
			EngineStatus: link.EngineStatus{
				State:         "Authenticated",
				Authenticated: true,
				Encryption:    "0x0",
				Ksv:           "f0f0f0f0f0",
			},
			Stats: hdcp.RxStats{AuthAttempts: 1, AuthPassed: 1, RiUpdates: 3},
		},
	}
}

// asWire mimics the structpb map the client returns.
func asWire(t *testing.T, st link.Status) map[string]any {
	t.Helper()

	data, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return raw
}

func TestDecodeStatus(t *testing.T) {
	t.Parallel()

	want := sampleStatus()
	got, err := decodeStatus(asWire(t, want))
	if err != nil {
		t.Fatalf("decodeStatus: %v", err)
	}

	if got.Transmitter.State != want.Transmitter.State ||
		got.Transmitter.Stats != want.Transmitter.Stats ||
		got.Receiver.Stats != want.Receiver.Stats ||
		got.Frames != want.Frames ||
		len(got.Transmitter.Downstream) != 2 {
		t.Errorf("decodeStatus = %+v, want %+v", got, want)
	}
}

func TestFormatStatus(t *testing.T) {
	t.Parallel()

	raw := asWire(t, sampleStatus())

	tests := []struct {
		name     string
		format   string
		contains []string
	}{
		{
			name:   "table",
			format: formatTable,
			contains: []string{
				"DIRECTION", "Authenticated", "WaitForReady", "0f0f0f0f0f",
				"depth=1 devices=2", "5555555555, aaaaaaaaaa", "TX Link Checks Passed/Failed:",
			},
		},
		{
			name:     "json",
			format:   formatJSON,
			contains: []string{`"protocol": "hdmi"`, `"previous_state": "WaitForReady"`, `"ri_updates": 3`},
		},
		{
			name:     "yaml",
			format:   formatYAML,
			contains: []string{"protocol: hdmi", "previous_state: WaitForReady", "ri_updates: 3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out, err := formatStatus(raw, tt.format)
			if err != nil {
				t.Fatalf("formatStatus: %v", err)
			}
			for _, s := range tt.contains {
				if !strings.Contains(out, s) {
					t.Errorf("output missing %q:\n%s", s, out)
				}
			}
		})
	}
}

func TestFormatStatusYAMLFlattensEngine(t *testing.T) {
	t.Parallel()

	out, err := formatStatus(asWire(t, sampleStatus()), formatYAML)
	if err != nil {
		t.Fatalf("formatStatus: %v", err)
	}

	var doc struct {
		Transmitter map[string]any `yaml:"transmitter"`
	}
	if err := yaml.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}
	if doc.Transmitter["state"] != "Authenticated" {
		t.Errorf("transmitter.state = %v, want Authenticated", doc.Transmitter["state"])
	}
}

func TestFormatStatusUnsupported(t *testing.T) {
	t.Parallel()

	_, err := formatStatus(asWire(t, sampleStatus()), "xml")
	if !errors.Is(err, errUnsupportedFormat) {
		t.Errorf("err = %v, want errUnsupportedFormat", err)
	}
}

func TestFormatChange(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := formatChange(ts, "tx", "Authenticating", "Authenticated")
	want := "[2026-01-02T03:04:05Z] tx  Authenticating -> Authenticated"
	if got != want {
		t.Errorf("formatChange = %q, want %q", got, want)
	}
}

func TestDirectionArg(t *testing.T) {
	t.Parallel()

	if got := directionArg(nil); got != "tx" {
		t.Errorf("default direction = %q, want tx", got)
	}
	if got := directionArg([]string{"rx"}); got != "rx" {
		t.Errorf("direction = %q, want rx", got)
	}
}
