// Package commands implements the hdcpctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/gohdcp/internal/link"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	formatYAML  = "yaml"
	valueNone   = "-"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// decodeStatus converts the structpb map returned by the daemon back into
// the typed snapshot.
func decodeStatus(raw map[string]any) (link.Status, error) {
	var st link.Status

	data, err := json.Marshal(raw)
	if err != nil {
		return st, fmt.Errorf("marshal status: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("unmarshal status: %w", err)
	}

	return st, nil
}

// formatStatus renders a link snapshot in the requested format.
func formatStatus(raw map[string]any, format string) (string, error) {
	st, err := decodeStatus(raw)
	if err != nil {
		return "", err
	}

	switch format {
	case formatJSON:
		return formatStatusJSON(st)
	case formatYAML:
		return formatStatusYAML(st)
	case formatTable:
		return formatStatusTable(st)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatChange renders one observed state change for watch.
func formatChange(ts time.Time, dir, from, to string) string {
	return fmt.Sprintf("[%s] %s  %s -> %s", ts.Format(time.RFC3339), dir, from, to)
}

// --- Table formatter ---

func formatStatusTable(st link.Status) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Protocol:\t%s\n", st.Protocol)
	fmt.Fprintf(w, "Frames:\t%d\n", st.Frames)
	fmt.Fprintf(w, "Polls:\t%d\n", st.Polls)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "DIRECTION\tSTATE\tPREVIOUS\tAUTHENTICATED\tIN-PROGRESS\tENCRYPTION\tKSV")
	engineRow(w, "tx", st.Transmitter.EngineStatus)
	engineRow(w, "rx", st.Receiver.EngineStatus)
	fmt.Fprintln(w)

	tx := st.Transmitter
	if tx.Repeater {
		fmt.Fprintf(w, "Topology:\t%s\n", orNone(tx.Topology))
		fmt.Fprintf(w, "Downstream:\t%s\n", orNone(strings.Join(tx.Downstream, ", ")))
	}

	fmt.Fprintf(w, "TX Auth Passed/Failed:\t%d/%d\n", tx.Stats.AuthPassed, tx.Stats.AuthFailed)
	fmt.Fprintf(w, "TX Reauth Requested:\t%d\n", tx.Stats.ReauthRequested)
	fmt.Fprintf(w, "TX Link Checks Passed/Failed:\t%d/%d\n", tx.Stats.LinkCheckPassed, tx.Stats.LinkCheckFailed)
	fmt.Fprintf(w, "TX Read Failures:\t%d\n", tx.Stats.ReadFailures)

	rx := st.Receiver.Stats
	fmt.Fprintf(w, "RX Auth Attempts/Passed:\t%d/%d\n", rx.AuthAttempts, rx.AuthPassed)
	fmt.Fprintf(w, "RX Ri Updates:\t%d\n", rx.RiUpdates)
	fmt.Fprintf(w, "RX Link Failures:\t%d\n", rx.LinkFailures)
	fmt.Fprintf(w, "RX Read Failures:\t%d\n", rx.ReadFailures)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func engineRow(w *tabwriter.Writer, dir string, es link.EngineStatus) {
	fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\t%s\n",
		dir,
		es.State,
		orNone(es.PreviousState),
		es.Authenticated,
		es.InProgress,
		es.Encryption,
		es.Ksv,
	)
}

func orNone(s string) string {
	if s == "" {
		return valueNone
	}
	return s
}

// --- JSON / YAML formatters ---

func formatStatusJSON(st link.Status) (string, error) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal status to JSON: %w", err)
	}

	return string(data) + "\n", nil
}

func formatStatusYAML(st link.Status) (string, error) {
	data, err := yaml.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("marshal status to YAML: %w", err)
	}

	return string(data), nil
}
