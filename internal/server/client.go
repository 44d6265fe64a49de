package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls the control API.
type Client struct {
	status  *connect.Client[emptypb.Empty, structpb.Struct]
	info    *connect.Client[emptypb.Empty, wrapperspb.StringValue]
	auth    *connect.Client[wrapperspb.StringValue, emptypb.Empty]
	enable  *connect.Client[wrapperspb.StringValue, emptypb.Empty]
	disable *connect.Client[wrapperspb.StringValue, emptypb.Empty]
	reset   *connect.Client[wrapperspb.StringValue, emptypb.Empty]
	phy     *connect.Client[structpb.Struct, emptypb.Empty]
	encOn   *connect.Client[wrapperspb.UInt64Value, emptypb.Empty]
	encOff  *connect.Client[wrapperspb.UInt64Value, emptypb.Empty]
	wait    *connect.Client[durationpb.Duration, wrapperspb.BoolValue]
}

// NewClient returns a Client for the server at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	dirClient := func(proc string) *connect.Client[wrapperspb.StringValue, emptypb.Empty] {
		return connect.NewClient[wrapperspb.StringValue, emptypb.Empty](httpClient, baseURL+proc, opts...)
	}
	encClient := func(proc string) *connect.Client[wrapperspb.UInt64Value, emptypb.Empty] {
		return connect.NewClient[wrapperspb.UInt64Value, emptypb.Empty](httpClient, baseURL+proc, opts...)
	}

	return &Client{
		status:  connect.NewClient[emptypb.Empty, structpb.Struct](httpClient, baseURL+ProcedureStatus, opts...),
		info:    connect.NewClient[emptypb.Empty, wrapperspb.StringValue](httpClient, baseURL+ProcedureInfo, opts...),
		auth:    dirClient(ProcedureAuthenticate),
		enable:  dirClient(ProcedureEnable),
		disable: dirClient(ProcedureDisable),
		reset:   dirClient(ProcedureReset),
		phy:     connect.NewClient[structpb.Struct, emptypb.Empty](httpClient, baseURL+ProcedureSetPhysicalState, opts...),
		encOn:   encClient(ProcedureEnableEncryption),
		encOff:  encClient(ProcedureDisableEncryption),
		wait:    connect.NewClient[durationpb.Duration, wrapperspb.BoolValue](httpClient, baseURL+ProcedureWaitAuthenticated, opts...),
	}
}

// Status returns the link snapshot in its JSON shape.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	resp, err := c.status.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	return resp.Msg.AsMap(), nil
}

// Info returns the diagnostic dump.
func (c *Client) Info(ctx context.Context) (string, error) {
	resp, err := c.info.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		return "", fmt.Errorf("info: %w", err)
	}
	return resp.Msg.GetValue(), nil
}

// Authenticate requests authentication on "tx" or "rx".
func (c *Client) Authenticate(ctx context.Context, dir string) error {
	return callDirectional(ctx, c.auth, "authenticate", dir)
}

// Enable enables "tx" or "rx".
func (c *Client) Enable(ctx context.Context, dir string) error {
	return callDirectional(ctx, c.enable, "enable", dir)
}

// Disable disables "tx" or "rx".
func (c *Client) Disable(ctx context.Context, dir string) error {
	return callDirectional(ctx, c.disable, "disable", dir)
}

// Reset resets "tx" or "rx".
func (c *Client) Reset(ctx context.Context, dir string) error {
	return callDirectional(ctx, c.reset, "reset", dir)
}

// SetPhysicalState reports the physical link state of "tx" or "rx".
func (c *Client) SetPhysicalState(ctx context.Context, dir string, up bool) error {
	msg, err := structpb.NewStruct(map[string]any{"direction": dir, "up": up})
	if err != nil {
		return fmt.Errorf("set physical state: %w", err)
	}
	if _, err := c.phy.CallUnary(ctx, connect.NewRequest(msg)); err != nil {
		return fmt.Errorf("set physical state: %w", err)
	}
	return nil
}

// EnableEncryption adds streams to the transmitter encryption map.
func (c *Client) EnableEncryption(ctx context.Context, streams uint64) error {
	if _, err := c.encOn.CallUnary(ctx, connect.NewRequest(wrapperspb.UInt64(streams))); err != nil {
		return fmt.Errorf("enable encryption: %w", err)
	}
	return nil
}

// DisableEncryption removes streams from the transmitter encryption map.
func (c *Client) DisableEncryption(ctx context.Context, streams uint64) error {
	if _, err := c.encOff.CallUnary(ctx, connect.NewRequest(wrapperspb.UInt64(streams))); err != nil {
		return fmt.Errorf("disable encryption: %w", err)
	}
	return nil
}

// WaitAuthenticated waits up to timeout for the transmitter to
// authenticate.
func (c *Client) WaitAuthenticated(ctx context.Context, timeout time.Duration) (bool, error) {
	resp, err := c.wait.CallUnary(ctx, connect.NewRequest(durationpb.New(timeout)))
	if err != nil {
		return false, fmt.Errorf("wait authenticated: %w", err)
	}
	return resp.Msg.GetValue(), nil
}

func callDirectional(
	ctx context.Context,
	c *connect.Client[wrapperspb.StringValue, emptypb.Empty],
	op, dir string,
) error {
	if _, err := c.CallUnary(ctx, connect.NewRequest(wrapperspb.String(dir))); err != nil {
		return fmt.Errorf("%s %s: %w", op, dir, err)
	}
	return nil
}
