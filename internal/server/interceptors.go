package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ErrPanicRecovered indicates an RPC handler panicked and was recovered.
var ErrPanicRecovered = errors.New("panic recovered in rpc handler")

// queryProcedures only read link state. They log at Debug.
var queryProcedures = map[string]bool{
	ProcedureStatus:            true,
	ProcedureInfo:              true,
	ProcedureWaitAuthenticated: true,
}

// LoggingInterceptor returns a ConnectRPC unary interceptor that logs every
// call with its procedure, argument and duration. Queries log at Debug,
// control calls at Info and failures at Warn with the connect code.
func LoggingInterceptor(logger *slog.Logger) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			procedure := req.Spec().Procedure
			attrs := []slog.Attr{
				slog.String("procedure", procedure),
				slog.Duration("duration", time.Since(start)),
			}
			if arg, ok := requestArg(req); ok {
				attrs = append(attrs, arg)
			}

			switch {
			case err != nil:
				attrs = append(attrs,
					slog.String("code", connect.CodeOf(err).String()),
					slog.String("error", err.Error()),
				)
				logger.LogAttrs(ctx, slog.LevelWarn, "rpc completed with error", attrs...)
			case queryProcedures[procedure]:
				logger.LogAttrs(ctx, slog.LevelDebug, "rpc completed", attrs...)
			default:
				logger.LogAttrs(ctx, slog.LevelInfo, "rpc completed", attrs...)
			}

			return resp, err
		}
	}
}

// requestArg describes the request payload for logging.
func requestArg(req connect.AnyRequest) (slog.Attr, bool) {
	switch msg := req.Any().(type) {
	case *wrapperspb.StringValue:
		return slog.String("direction", msg.GetValue()), true
	case *wrapperspb.UInt64Value:
		return slog.String("streams", fmt.Sprintf("%#x", msg.GetValue())), true
	case *durationpb.Duration:
		return slog.Duration("timeout", msg.AsDuration()), true
	case *structpb.Struct:
		return slog.Any("args", msg.AsMap()), true
	default:
		return slog.Attr{}, false
	}
}

// RecoveryInterceptor returns a ConnectRPC unary interceptor that turns a
// handler panic into CodeInternal after logging the value and stack. The
// link mutex is released by the deferred unlock in the panicking call.
func RecoveryInterceptor(logger *slog.Logger) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (resp connect.AnyResponse, retErr error) {
			defer func() {
				if r := recover(); r != nil {
					buf := make([]byte, 8192)
					n := runtime.Stack(buf, false)

					logger.ErrorContext(ctx, "panic recovered in rpc handler",
						slog.String("procedure", req.Spec().Procedure),
						slog.Any("panic", r),
						slog.String("stack", string(buf[:n])),
					)

					retErr = connect.NewError(connect.CodeInternal,
						fmt.Errorf("%s: %w", req.Spec().Procedure, ErrPanicRecovered))
				}
			}()

			return next(ctx, req)
		}
	}
}

// LoggingInterceptorOption wraps LoggingInterceptor as a handler option.
func LoggingInterceptorOption(logger *slog.Logger) connect.HandlerOption {
	return connect.WithInterceptors(LoggingInterceptor(logger))
}

// RecoveryInterceptorOption wraps RecoveryInterceptor as a handler option.
func RecoveryInterceptorOption(logger *slog.Logger) connect.HandlerOption {
	return connect.WithInterceptors(RecoveryInterceptor(logger))
}
