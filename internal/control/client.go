package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/device"
	"firestige.xyz/ethctl/internal/tailtag"
)

// Client calls a daemon's control socket. Each call uses its own connection.
type Client struct {
	socketPath string
	timeout    time.Duration
	seq        atomic.Uint64
}

// NewClient creates a client. A zero timeout means 10 seconds.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// Call sends method with params and decodes the result into result, which may
// be nil. A daemon-side failure is returned as *RemoteError.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}

	req := Request{JSONRPC: "2.0", Method: method, ID: c.seq.Add(1)}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = raw
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		return errors.New("connection closed without response")
	}

	var resp struct {
		ID     uint64          `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *ErrorInfo      `json:"error"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("response ID mismatch: expected %v, got %v", req.ID, resp.ID)
	}
	if resp.Error != nil {
		return &RemoteError{Info: *resp.Error}
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return nil
}

// Status fetches daemon.status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.Call(ctx, MethodStatus, nil, &st)
	return st, err
}

// Reload asks the daemon to reload its configuration.
func (c *Client) Reload(ctx context.Context) error {
	return c.Call(ctx, MethodReload, nil, nil)
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, MethodShutdown, nil, nil)
}

// Switch returns a device.Switch whose operations run in the daemon.
func (c *Client) Switch(ctx context.Context) device.Switch {
	return &remoteSwitch{c: c, ctx: ctx}
}

type remoteSwitch struct {
	c     *Client
	ctx   context.Context
	aging error
}

func (r *remoteSwitch) call(method string, params, result any) error {
	return r.c.Call(r.ctx, method, params, result)
}

func (r *remoteSwitch) AddStaticEntry(e core.FdbEntry) error {
	return r.call(MethodFdbAdd, e, nil)
}

func (r *remoteSwitch) DeleteStaticEntry(mac core.MACAddr) error {
	return r.call(MethodFdbDelete, MACParams{MAC: mac}, nil)
}

func (r *remoteSwitch) GetStaticEntry(index int) (core.FdbEntry, error) {
	var e core.FdbEntry
	err := r.call(MethodFdbGet, IndexParams{Index: index}, &e)
	return e, err
}

func (r *remoteSwitch) ListStaticEntries() ([]core.FdbEntry, error) {
	var list []core.FdbEntry
	err := r.call(MethodFdbList, nil, &list)
	return list, err
}

func (r *remoteSwitch) FlushStatic() error {
	return r.call(MethodFdbFlushStatic, nil, nil)
}

func (r *remoteSwitch) EnumerateDynamicEntry(cursor int) (core.FdbEntry, error) {
	var e core.FdbEntry
	err := r.call(MethodFdbNext, IndexParams{Index: cursor}, &e)
	return e, err
}

func (r *remoteSwitch) DumpDynamic() ([]core.FdbEntry, error) {
	var list []core.FdbEntry
	err := r.call(MethodFdbDump, nil, &list)
	return list, err
}

func (r *remoteSwitch) FlushDynamic(port int) error {
	return r.call(MethodFdbFlush, PortParams{Port: port}, nil)
}

// SetAgingTime keeps the call error for Err.
func (r *remoteSwitch) SetAgingTime(seconds uint32) {
	r.aging = r.call(MethodFdbAging, AgingParams{Seconds: seconds}, nil)
}

// Err returns the error of the last SetAgingTime.
func (r *remoteSwitch) Err() error { return r.aging }

func (r *remoteSwitch) SetPortState(port uint8, s core.PortState) error {
	return r.call(MethodPortSet, PortParams{Port: int(port), State: s.String()}, nil)
}

func (r *remoteSwitch) PortState(port uint8) (core.PortState, error) {
	var p PortParams
	if err := r.call(MethodPortGet, PortParams{Port: int(port)}, &p); err != nil {
		return core.PortStateUnknown, err
	}
	return core.ParsePortState(p.State)
}

// TailTag is not available remotely.
func (r *remoteSwitch) TailTag() (tailtag.Codec, bool) { return tailtag.Codec{}, false }
