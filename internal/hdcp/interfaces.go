package hdcp

import (
	"errors"
	"time"
)

// ErrRepeaterNotReady is returned by Port.RepeaterInfo while the repeater
// has not yet asserted BCAPS READY.
var ErrRepeaterNotReady = errors.New("repeater not ready")

// Port is the register transport between the engine and the remote device.
//
// Read and Write return the number of bytes transferred; a count below
// len(buf) is a transport failure. SetAuthCallback installs the function
// the port calls when the remote side requests (re)authentication: the
// transmitter's AKSV write on a receiver, or a downstream re-authentication
// request on a transmitter. The callback only posts an event and may be
// invoked from any goroutine.
type Port interface {
	Read(offset uint8, buf []byte) (int, error)
	Write(offset uint8, buf []byte) (int, error)
	IsCapable() bool
	IsRepeater() bool
	RepeaterInfo() (RepeaterInfo, error)
	SetAuthCallback(fn func())
	Enable() error
	Disable() error
}

// Request is a cipher computation request.
type Request uint8

const (
	// RequestBlock computes Km, Ks, Ro and Mo from the B registers.
	RequestBlock Request = iota + 1

	// RequestRekey rekeys the rolling Ri.
	RequestRekey

	// RequestRng produces a fresh Mi for An generation.
	RequestRng
)

// String returns the human-readable name of the request.
func (r Request) String() string {
	switch r {
	case RequestBlock:
		return "Block"
	case RequestRekey:
		return "Rekey"
	case RequestRng:
		return "Rng"
	default:
		return unknownStr
	}
}

// Cipher is the HDCP cipher engine. Requests complete asynchronously;
// the engine polls IsRequestComplete and never waits. The link-fail and
// Ri-update callbacks only post events and may be invoked from any
// goroutine.
type Cipher interface {
	Enable() error
	Disable() error
	SetKeySelect(sel uint8) error
	SetLaneCount(n int) error

	LocalKsv() Ksv
	SetRemoteKsv(ksv Ksv) error
	SetB(x, y, z uint32) error
	DoRequest(req Request) error
	IsRequestComplete() bool

	Ri() uint16
	Ro() uint16
	Mi() uint64
	Mo() uint64

	IsLinkUp() bool
	SetLinkStateCheck(enable bool)
	SetRiUpdate(enable bool)
	SetLinkFailCallback(fn func())
	SetRiUpdateCallback(fn func())

	EnableEncryption(streams uint64) error
	DisableEncryption(streams uint64) error
	Encryption() uint64
}

// Platform provides the host services the engine needs: a one-shot timer
// whose expiry must lead to HandleTimeout, a short busy delay, and the
// KSV revocation lookup.
type Platform interface {
	TimerStart(d time.Duration)
	TimerStop()
	BusyDelay(d time.Duration)
	IsKsvRevoked(ksv Ksv) bool
}

// -------------------------------------------------------------------------
// Metrics
// -------------------------------------------------------------------------

// Metric label values for MetricsReporter.
const (
	ResultPassed = "passed"
	ResultFailed = "failed"
)

// MetricsReporter receives engine counters. Direction is "tx" or "rx".
type MetricsReporter interface {
	RecordStateTransition(direction, from, to string)
	IncAuthentications(direction, result string)
	IncLinkChecks(direction, result string)
	IncReadFailures(direction string)
	IncRiUpdates(direction string)
	SetAuthenticated(direction string, authenticated bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordStateTransition(string, string, string) {}
func (noopMetrics) IncAuthentications(string, string)            {}
func (noopMetrics) IncLinkChecks(string, string)                 {}
func (noopMetrics) IncReadFailures(string)                       {}
func (noopMetrics) IncRiUpdates(string)                          {}
func (noopMetrics) SetAuthenticated(string, bool)                {}
