package ipc

import (
	"errors"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"zeroflash/internal/services"
)

// Client provides RPC access to the daemon. Calls may be issued from several
// goroutines at once.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		err := c.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (c *Client) call(method string, req, resp any) error {
	return c.client.Call(ServiceName+"."+method, req, resp)
}

// Err rebuilds the error a failure was made from. The result carries the
// same kind marker, so services.KindOf classifies it like the original.
func (f Failure) Err() error {
	if f.Kind == "" && f.Message == "" {
		return nil
	}
	return &remoteError{failure: f}
}

type remoteError struct {
	failure Failure
}

func (e *remoteError) Error() string { return e.failure.Message }

func (e *remoteError) Unwrap() []error {
	errs := []error{services.Kind(e.failure.Kind).Marker()}
	if errs[0] == nil {
		errs[0] = services.ErrUnknown
	}
	if e.failure.Busy {
		errs = append(errs, services.ErrDeviceBusy)
	}
	return errs
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call("Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Run starts a top-level operation and blocks until it ends. The operation
// error is returned alongside the response.
func (c *Client) Run(req RunRequest) (*RunResponse, error) {
	var resp RunResponse
	if err := c.call("Run", req, &resp); err != nil {
		return nil, err
	}
	return &resp, resp.Failure.Err()
}

// Abort cancels the running operation.
func (c *Client) Abort(reason string) error {
	var resp AbortResponse
	if err := c.call("Abort", AbortRequest{Reason: reason}, &resp); err != nil {
		return err
	}
	return resp.Failure.Err()
}

// ClearError acknowledges the latched device error.
func (c *Client) ClearError() error {
	var resp ClearErrorResponse
	if err := c.call("ClearError", ClearErrorRequest{}, &resp); err != nil {
		return err
	}
	return resp.Failure.Err()
}

// Refresh probes the device again.
func (c *Client) Refresh() (*RefreshResponse, error) {
	var resp RefreshResponse
	if err := c.call("Refresh", RefreshRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, resp.Failure.Err()
}

// Stream turns screen streaming on or off.
func (c *Client) Stream(on bool) error {
	var resp StreamResponse
	if err := c.call("Stream", StreamRequest{On: on}, &resp); err != nil {
		return err
	}
	return resp.Failure.Err()
}

// History lists recorded operations.
func (c *Client) History(req HistoryRequest) (*HistoryResponse, error) {
	var resp HistoryResponse
	if err := c.call("History", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HistoryClear removes finished history records.
func (c *Client) HistoryClear() (*HistoryClearResponse, error) {
	var resp HistoryClearResponse
	if err := c.call("HistoryClear", HistoryClearRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
