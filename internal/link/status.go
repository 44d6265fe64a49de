package link

import (
	"fmt"
	"io"

	"github.com/dantte-lp/gohdcp/internal/hdcp"
)

// Status is a point-in-time snapshot of both engines.
type Status struct {
	Protocol    string            `json:"protocol" yaml:"protocol"`
	Frames      uint64            `json:"frames" yaml:"frames"`
	Polls       uint64            `json:"polls" yaml:"polls"`
	Transmitter TransmitterStatus `json:"transmitter" yaml:"transmitter"`
	Receiver    ReceiverStatus    `json:"receiver" yaml:"receiver"`
}

// EngineStatus is the part of the snapshot common to both directions.
type EngineStatus struct {
	State         string `json:"state" yaml:"state"`
	PreviousState string `json:"previous_state" yaml:"previous_state"`
	Authenticated bool   `json:"authenticated" yaml:"authenticated"`
	InProgress    bool   `json:"in_progress" yaml:"in_progress"`
	Encryption    string `json:"encryption" yaml:"encryption"`
	Ksv           string `json:"ksv" yaml:"ksv"`
}

// TransmitterStatus adds the repeater topology and transmitter counters.
type TransmitterStatus struct {
	EngineStatus `yaml:",inline"`

	Repeater   bool         `json:"repeater" yaml:"repeater"`
	Topology   string       `json:"topology,omitempty" yaml:"topology,omitempty"`
	Downstream []string     `json:"downstream,omitempty" yaml:"downstream,omitempty"`
	Stats      hdcp.TxStats `json:"stats" yaml:"stats"`
}

// ReceiverStatus adds the receiver counters.
type ReceiverStatus struct {
	EngineStatus `yaml:",inline"`

	Stats hdcp.RxStats `json:"stats" yaml:"stats"`
}

// Status returns a snapshot of the link.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, rx := l.tx.Transmitter(), l.rx.Receiver()

	ts := TransmitterStatus{
		EngineStatus: EngineStatus{
			State:         tx.State().String(),
			PreviousState: tx.PreviousState().String(),
			Authenticated: tx.IsAuthenticated(),
			InProgress:    tx.IsInProgress(),
			Encryption:    fmt.Sprintf("%#x", tx.Encryption()),
			Ksv:           l.cfg.TxKsv.String(),
		},
		Repeater: tx.IsRepeater(),
		Stats:    tx.Stats(),
	}
	if ts.Repeater {
		topo := tx.Topology()
		ts.Topology = topo.Info.String()
		for _, k := range topo.Ksvs {
			ts.Downstream = append(ts.Downstream, k.String())
		}
	}

	rs := ReceiverStatus{
		EngineStatus: EngineStatus{
			State:         rx.State().String(),
			PreviousState: rx.PreviousState().String(),
			Authenticated: rx.IsAuthenticated(),
			InProgress:    rx.IsInProgress(),
			Encryption:    fmt.Sprintf("%#x", rx.Encryption()),
			Ksv:           l.cfg.RxKsv.String(),
		},
		Stats: rx.Stats(),
	}

	return Status{
		Protocol:    l.cfg.Protocol.String(),
		Frames:      l.frames.Load(),
		Polls:       l.polls.Load(),
		Transmitter: ts,
		Receiver:    rs,
	}
}

// Info writes the diagnostic dump of both engines.
func (l *Link) Info(w io.Writer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.tx.Info(w); err != nil {
		return fmt.Errorf("transmitter info: %w", err)
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return fmt.Errorf("write info: %w", err)
	}
	if err := l.rx.Info(w); err != nil {
		return fmt.Errorf("receiver info: %w", err)
	}
	return nil
}
