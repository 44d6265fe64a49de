// Package server implements the ConnectRPC control API of the HDCP daemon.
//
// The service has no generated stubs: each procedure is a connect unary
// handler over protobuf well-known types, so the API needs no schema
// compilation step. Directions are passed as "tx" or "rx".
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dantte-lp/gohdcp/internal/hdcp"
	"github.com/dantte-lp/gohdcp/internal/link"
)

// ServiceName is the fully qualified name of the control service.
const ServiceName = "gohdcp.v1.LinkService"

// Procedure paths.
const (
	ProcedureStatus            = "/" + ServiceName + "/Status"
	ProcedureInfo              = "/" + ServiceName + "/Info"
	ProcedureAuthenticate      = "/" + ServiceName + "/Authenticate"
	ProcedureEnable            = "/" + ServiceName + "/Enable"
	ProcedureDisable           = "/" + ServiceName + "/Disable"
	ProcedureReset             = "/" + ServiceName + "/Reset"
	ProcedureSetPhysicalState  = "/" + ServiceName + "/SetPhysicalState"
	ProcedureEnableEncryption  = "/" + ServiceName + "/EnableEncryption"
	ProcedureDisableEncryption = "/" + ServiceName + "/DisableEncryption"
	ProcedureWaitAuthenticated = "/" + ServiceName + "/WaitAuthenticated"
)

// waitPollInterval is the status polling period of WaitAuthenticated.
const waitPollInterval = 10 * time.Millisecond

// ErrMissingField indicates a request without a required field.
var ErrMissingField = errors.New("missing required field")

// Controller is the link surface the API drives.
type Controller interface {
	Status() link.Status
	Info(w io.Writer) error
	Authenticate(dir hdcp.Direction) error
	Enable(dir hdcp.Direction) error
	Disable(dir hdcp.Direction) error
	Reset(dir hdcp.Direction) error
	SetPhysicalState(dir hdcp.Direction, up bool) error
	EnableEncryption(streams uint64) error
	DisableEncryption(streams uint64) error
}

var _ Controller = (*link.Link)(nil)

// LinkServer is a thin adapter between the connect API and the link.
type LinkServer struct {
	ctrl   Controller
	logger *slog.Logger
}

// New creates the service and returns its path prefix and HTTP handler.
func New(ctrl Controller, logger *slog.Logger, opts ...connect.HandlerOption) (string, http.Handler) {
	s := &LinkServer{ctrl: ctrl, logger: logger.With(slog.String("component", "api"))}

	mux := http.NewServeMux()
	mux.Handle(ProcedureStatus, connect.NewUnaryHandler(ProcedureStatus, s.Status, opts...))
	mux.Handle(ProcedureInfo, connect.NewUnaryHandler(ProcedureInfo, s.Info, opts...))
	mux.Handle(ProcedureAuthenticate, connect.NewUnaryHandler(ProcedureAuthenticate,
		s.directional("authenticate", ctrl.Authenticate), opts...))
	mux.Handle(ProcedureEnable, connect.NewUnaryHandler(ProcedureEnable,
		s.directional("enable", ctrl.Enable), opts...))
	mux.Handle(ProcedureDisable, connect.NewUnaryHandler(ProcedureDisable,
		s.directional("disable", ctrl.Disable), opts...))
	mux.Handle(ProcedureReset, connect.NewUnaryHandler(ProcedureReset,
		s.directional("reset", ctrl.Reset), opts...))
	mux.Handle(ProcedureSetPhysicalState, connect.NewUnaryHandler(ProcedureSetPhysicalState, s.SetPhysicalState, opts...))
	mux.Handle(ProcedureEnableEncryption, connect.NewUnaryHandler(ProcedureEnableEncryption,
		s.streams("enable encryption", ctrl.EnableEncryption), opts...))
	mux.Handle(ProcedureDisableEncryption, connect.NewUnaryHandler(ProcedureDisableEncryption,
		s.streams("disable encryption", ctrl.DisableEncryption), opts...))
	mux.Handle(ProcedureWaitAuthenticated, connect.NewUnaryHandler(ProcedureWaitAuthenticated, s.WaitAuthenticated, opts...))

	return "/" + ServiceName + "/", mux
}

// Status returns the link snapshot as a JSON-shaped struct.
func (s *LinkServer) Status(
	_ context.Context,
	_ *connect.Request[emptypb.Empty],
) (*connect.Response[structpb.Struct], error) {
	st, err := StatusStruct(s.ctrl.Status())
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(st), nil
}

// Info returns the diagnostic dump of both engines.
func (s *LinkServer) Info(
	_ context.Context,
	_ *connect.Request[emptypb.Empty],
) (*connect.Response[wrapperspb.StringValue], error) {
	var buf bytes.Buffer
	if err := s.ctrl.Info(&buf); err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(wrapperspb.String(buf.String())), nil
}

// SetPhysicalState takes {"direction": "tx"|"rx", "up": bool}.
func (s *LinkServer) SetPhysicalState(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[emptypb.Empty], error) {
	fields := req.Msg.GetFields()

	dirVal, ok := fields["direction"]
	if !ok {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("direction: %w", ErrMissingField))
	}
	dir, err := hdcp.ParseDirection(dirVal.GetStringValue())
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	upVal, ok := fields["up"]
	if !ok {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("up: %w", ErrMissingField))
	}
	up := upVal.GetBoolValue()

	s.logger.InfoContext(ctx, "set physical state",
		slog.String("direction", dir.String()),
		slog.Bool("up", up),
	)
	if err := s.ctrl.SetPhysicalState(dir, up); err != nil {
		return nil, mapError(err)
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// WaitAuthenticated blocks until the transmitter is authenticated or the
// requested timeout elapses, and reports which happened.
func (s *LinkServer) WaitAuthenticated(
	ctx context.Context,
	req *connect.Request[durationpb.Duration],
) (*connect.Response[wrapperspb.BoolValue], error) {
	if err := req.Msg.CheckValid(); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	ctx, cancel := context.WithTimeout(ctx, req.Msg.AsDuration())
	defer cancel()

	tick := time.NewTicker(waitPollInterval)
	defer tick.Stop()

	for {
		if s.ctrl.Status().Transmitter.Authenticated {
			return connect.NewResponse(wrapperspb.Bool(true)), nil
		}
		select {
		case <-ctx.Done():
			return connect.NewResponse(wrapperspb.Bool(false)), nil
		case <-tick.C:
		}
	}
}

// directional adapts a per-direction control call taking "tx" or "rx".
func (s *LinkServer) directional(op string, fn func(hdcp.Direction) error) func(context.Context, *connect.Request[wrapperspb.StringValue]) (*connect.Response[emptypb.Empty], error) {
	return func(ctx context.Context, req *connect.Request[wrapperspb.StringValue]) (*connect.Response[emptypb.Empty], error) {
		dir, err := hdcp.ParseDirection(req.Msg.GetValue())
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		s.logger.InfoContext(ctx, op, slog.String("direction", dir.String()))
		if err := fn(dir); err != nil {
			return nil, mapError(err)
		}
		return connect.NewResponse(&emptypb.Empty{}), nil
	}
}

// streams adapts an encryption map call.
func (s *LinkServer) streams(op string, fn func(uint64) error) func(context.Context, *connect.Request[wrapperspb.UInt64Value]) (*connect.Response[emptypb.Empty], error) {
	return func(ctx context.Context, req *connect.Request[wrapperspb.UInt64Value]) (*connect.Response[emptypb.Empty], error) {
		streams := req.Msg.GetValue()
		if streams == 0 {
			return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("streams: %w", ErrMissingField))
		}
		s.logger.InfoContext(ctx, op, slog.String("streams", fmt.Sprintf("%#x", streams)))
		if err := fn(streams); err != nil {
			return nil, mapError(err)
		}
		return connect.NewResponse(&emptypb.Empty{}), nil
	}
}

// mapError converts engine errors to connect codes.
func mapError(err error) error {
	switch {
	case errors.Is(err, hdcp.ErrUnsupportedDirection):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, hdcp.ErrUnsupported):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

// StatusStruct converts a link snapshot through its JSON form.
func StatusStruct(st link.Status) (*structpb.Struct, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal status: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal status: %w", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("convert status: %w", err)
	}
	return out, nil
}
