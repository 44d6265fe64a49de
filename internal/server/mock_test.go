package server_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"connectrpc.com/connect"

	"github.com/dantte-lp/gohdcp/internal/hdcp"
	"github.com/dantte-lp/gohdcp/internal/link"
	"github.com/dantte-lp/gohdcp/internal/server"
)

// call records one controller invocation.
type call struct {
	op  string
	dir hdcp.Direction
	arg uint64
	up  bool
}

// fakeController records calls and returns canned results.
type fakeController struct {
	mu      sync.Mutex
	calls   []call
	status  link.Status
	err     error
	panics  bool
	authAt  int
	queries int
}

func (f *fakeController) record(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.err
}

func (f *fakeController) lastCall() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return call{}
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeController) Status() link.Status {
	if f.panics {
		panic("intentional test panic")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	st := f.status
	if f.authAt > 0 && f.queries >= f.authAt {
		st.Transmitter.Authenticated = true
	}
	return st
}

func (f *fakeController) Info(w io.Writer) error {
	_, err := io.WriteString(w, "Direction:\ttx\n")
	return err
}

func (f *fakeController) Authenticate(dir hdcp.Direction) error {
	return f.record(call{op: "authenticate", dir: dir})
}

func (f *fakeController) Enable(dir hdcp.Direction) error {
	return f.record(call{op: "enable", dir: dir})
}

func (f *fakeController) Disable(dir hdcp.Direction) error {
	return f.record(call{op: "disable", dir: dir})
}

func (f *fakeController) Reset(dir hdcp.Direction) error {
	return f.record(call{op: "reset", dir: dir})
}

func (f *fakeController) SetPhysicalState(dir hdcp.Direction, up bool) error {
	return f.record(call{op: "phy", dir: dir, up: up})
}

func (f *fakeController) EnableEncryption(streams uint64) error {
	return f.record(call{op: "encrypt", arg: streams})
}

func (f *fakeController) DisableEncryption(streams uint64) error {
	return f.record(call{op: "decrypt", arg: streams})
}

// setupTestServer serves ctrl over httptest and returns a client for it.
func setupTestServer(t *testing.T, ctrl server.Controller, opts ...connect.HandlerOption) *server.Client {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	path, handler := server.New(ctrl, logger, opts...)
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return server.NewClient(srv.Client(), srv.URL)
}
