package hdcp

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// Info writes a human-readable status dump of the instance to w.
func (i *Instance) Info(w io.Writer) error {
	if i.tx != nil {
		return i.tx.Info(w)
	}
	return i.rx.Info(w)
}

// Info writes a human-readable status dump of the transmitter to w. It
// only reads state and never changes it.
func (t *Transmitter) Info(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	st := t.Stats()

	fmt.Fprintf(tw, "Direction:\t%s\n", DirectionTx)
	fmt.Fprintf(tw, "Protocol:\t%s\n", t.protocol)
	fmt.Fprintf(tw, "Version:\t%s\n", Version())
	fmt.Fprintf(tw, "Current State:\t%s\n", t.State())
	fmt.Fprintf(tw, "Previous State:\t%s\n", t.PreviousState())
	fmt.Fprintf(tw, "Physical Link:\t%s\n", upDown(t.phyUp))
	fmt.Fprintf(tw, "Encryption Map:\t%#x\n", t.encryptionMap)
	fmt.Fprintf(tw, "Cipher Encryption:\t%#x\n", t.cipher.Encryption())
	fmt.Fprintf(tw, "Local KSV:\t%s\n", t.cipher.LocalKsv())
	fmt.Fprintf(tw, "Repeater:\t%t\n", t.isRepeater)
	if t.topology.Info != 0 || len(t.topology.Ksvs) > 0 {
		fmt.Fprintf(tw, "Topology:\t%s\n", t.topology.Info)
		for n, k := range t.topology.Ksvs {
			fmt.Fprintf(tw, "  Downstream KSV %d:\t%s\n", n, k)
		}
	}
	fmt.Fprintf(tw, "Auth Passed:\t%d\n", st.AuthPassed)
	fmt.Fprintf(tw, "Auth Failed:\t%d\n", st.AuthFailed)
	fmt.Fprintf(tw, "Reauth Requested:\t%d\n", st.ReauthRequested)
	fmt.Fprintf(tw, "Read Failures:\t%d\n", st.ReadFailures)
	fmt.Fprintf(tw, "Link Check Passed:\t%d\n", st.LinkCheckPassed)
	fmt.Fprintf(tw, "Link Check Failed:\t%d\n", st.LinkCheckFailed)

	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush tabwriter: %w", err)
	}
	return nil
}

// Info writes a human-readable status dump of the receiver to w.
func (r *Receiver) Info(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	st := r.Stats()

	fmt.Fprintf(tw, "Direction:\t%s\n", DirectionRx)
	fmt.Fprintf(tw, "Protocol:\t%s\n", r.protocol)
	fmt.Fprintf(tw, "Version:\t%s\n", Version())
	fmt.Fprintf(tw, "Current State:\t%s\n", r.State())
	fmt.Fprintf(tw, "Previous State:\t%s\n", r.PreviousState())
	fmt.Fprintf(tw, "Physical Link:\t%s\n", upDown(r.phyUp))
	fmt.Fprintf(tw, "Cipher Encryption:\t%#x\n", r.cipher.Encryption())
	fmt.Fprintf(tw, "Local KSV:\t%s\n", r.cipher.LocalKsv())
	fmt.Fprintf(tw, "Repeater:\t%t\n", r.port.IsRepeater())
	fmt.Fprintf(tw, "Auth Attempts:\t%d\n", st.AuthAttempts)
	fmt.Fprintf(tw, "Auth Passed:\t%d\n", st.AuthPassed)
	fmt.Fprintf(tw, "Link Failures:\t%d\n", st.LinkFailures)
	fmt.Fprintf(tw, "Ri Updates:\t%d\n", st.RiUpdates)
	fmt.Fprintf(tw, "Read Failures:\t%d\n", st.ReadFailures)

	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush tabwriter: %w", err)
	}
	return nil
}

func upDown(up bool) string {
	if up {
		return "up"
	}
	return "down"
}
