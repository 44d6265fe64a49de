package server_test

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"connectrpc.com/connect"

	"github.com/dantte-lp/gohdcp/internal/server"
)

// logRecord is one captured log line.
type logRecord struct {
	level slog.Level
	msg   string
	attrs map[string]string
}

// recordHandler collects log records.
type recordHandler struct {
	mu   sync.Mutex
	recs []logRecord
}

func (h *recordHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	rec := logRecord{level: r.Level, msg: r.Message, attrs: map[string]string{}}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[a.Key] = a.Value.String()
		return true
	})

	h.mu.Lock()
	h.recs = append(h.recs, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordHandler) count(msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.recs {
		if r.msg == msg {
			n++
		}
	}
	return n
}

// last returns the most recent record.
func (h *recordHandler) last(t *testing.T) logRecord {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.recs) == 0 {
		t.Fatal("nothing logged")
	}
	return h.recs[len(h.recs)-1]
}

// -------------------------------------------------------------------------
// TestLoggingInterceptor
// -------------------------------------------------------------------------

func TestLoggingInterceptorSuccess(t *testing.T) {
	t.Parallel()

	rec := &recordHandler{}
	client := setupTestServer(t, &fakeController{}, server.LoggingInterceptorOption(slog.New(rec)))

	if _, err := client.Status(t.Context()); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rec.count("rpc completed") != 1 {
		t.Errorf("rpc completed logged %d times, want 1", rec.count("rpc completed"))
	}
}

func TestLoggingInterceptorError(t *testing.T) {
	t.Parallel()

	rec := &recordHandler{}
	client := setupTestServer(t, &fakeController{}, server.LoggingInterceptorOption(slog.New(rec)))

	if err := client.Authenticate(t.Context(), "nowhere"); err == nil {
		t.Fatal("expected error, got nil")
	}
	if rec.count("rpc completed with error") != 1 {
		t.Errorf("rpc completed with error logged %d times, want 1", rec.count("rpc completed with error"))
	}
}

func TestLoggingInterceptorLevels(t *testing.T) {
	t.Parallel()

	rec := &recordHandler{}
	client := setupTestServer(t, &fakeController{}, server.LoggingInterceptorOption(slog.New(rec)))
	ctx := t.Context()

	tests := []struct {
		name      string
		call      func() error
		wantLevel slog.Level
		wantKey   string
		wantValue string
	}{
		{
			name:      "status is a query",
			call:      func() error { _, err := client.Status(ctx); return err },
			wantLevel: slog.LevelDebug,
			wantKey:   "procedure",
			wantValue: server.ProcedureStatus,
		},
		{
			name:      "enable logs the direction",
			call:      func() error { return client.Enable(ctx, "rx") },
			wantLevel: slog.LevelInfo,
			wantKey:   "direction",
			wantValue: "rx",
		},
		{
			name:      "encryption logs the stream map",
			call:      func() error { return client.EnableEncryption(ctx, 0x3) },
			wantLevel: slog.LevelInfo,
			wantKey:   "streams",
			wantValue: "0x3",
		},
		{
			name:      "failure logs the code",
			call:      func() error { return client.Authenticate(ctx, "nowhere") },
			wantLevel: slog.LevelWarn,
			wantKey:   "code",
			wantValue: connect.CodeInvalidArgument.String(),
		},
	}

	// Sequential: each case inspects the last record.
	for _, tt := range tests {
		_ = tt.call()

		got := rec.last(t)
		if got.level != tt.wantLevel {
			t.Errorf("%s: level = %s, want %s", tt.name, got.level, tt.wantLevel)
		}
		if got.attrs[tt.wantKey] != tt.wantValue {
			t.Errorf("%s: %s = %q, want %q", tt.name, tt.wantKey, got.attrs[tt.wantKey], tt.wantValue)
		}
	}
}

// -------------------------------------------------------------------------
// TestRecoveryInterceptor
// -------------------------------------------------------------------------

func TestRecoveryInterceptorNoPanic(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	client := setupTestServer(t, &fakeController{}, server.RecoveryInterceptorOption(logger))

	if _, err := client.Status(t.Context()); err != nil {
		t.Fatalf("Status: %v", err)
	}
}

func TestRecoveryInterceptorPanic(t *testing.T) {
	t.Parallel()

	rec := &recordHandler{}
	client := setupTestServer(t, &fakeController{panics: true}, server.RecoveryInterceptorOption(slog.New(rec)))

	_, err := client.Status(t.Context())
	if err == nil {
		t.Fatal("expected error after panic, got nil")
	}
	if code := connectCode(t, err); code != connect.CodeInternal {
		t.Errorf("code = %s, want Internal", code)
	}
	if !strings.Contains(err.Error(), server.ErrPanicRecovered.Error()) {
		t.Errorf("error %q does not mention the recovered panic", err)
	}
	if rec.count("panic recovered in rpc handler") != 1 {
		t.Error("panic not logged")
	}
}

// -------------------------------------------------------------------------
// TestBothInterceptors: logging + recovery together
// -------------------------------------------------------------------------

func TestBothInterceptors(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	client := setupTestServer(t, &fakeController{},
		server.LoggingInterceptorOption(logger),
		server.RecoveryInterceptorOption(logger),
	)

	if _, err := client.Info(t.Context()); err != nil {
		t.Fatalf("Info: %v", err)
	}
}
