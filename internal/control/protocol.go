// Package control serves device management over a Unix domain socket.
//
// Requests and responses are JSON-RPC 2.0 objects, one per line. Errors that
// wrap a core sentinel carry its name in ErrorInfo.Data so the client can
// hand the same sentinel back to its caller.
package control

import (
	"encoding/json"
	"errors"
	"fmt"

	"firestige.xyz/ethctl/internal/core"
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      any        `json:"id"`
	Result  any        `json:"result,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo is the error member of a response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"` // sentinel name
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
)

// Methods
const (
	MethodStatus         = "daemon.status"
	MethodShutdown       = "daemon.shutdown"
	MethodReload         = "config.reload"
	MethodFdbAdd         = "fdb.add"
	MethodFdbDelete      = "fdb.delete"
	MethodFdbGet         = "fdb.get"
	MethodFdbList        = "fdb.list"
	MethodFdbDump        = "fdb.dump"
	MethodFdbNext        = "fdb.next"
	MethodFdbFlushStatic = "fdb.flush_static"
	MethodFdbFlush       = "fdb.flush"
	MethodFdbAging       = "fdb.aging"
	MethodPortGet        = "port.get"
	MethodPortSet        = "port.set"
)

var sentinels = map[string]error{
	"timeout":       core.ErrTimeout,
	"not_ready":     core.ErrNotReady,
	"table_full":    core.ErrTableFull,
	"not_found":     core.ErrNotFound,
	"invalid_entry": core.ErrInvalidEntry,
	"end_of_table":  core.ErrEndOfTable,
	"invalid_port":  core.ErrInvalidPort,
	"unsupported":   core.ErrUnsupported,
	"config":        core.ErrConfigInvalid,
}

func errorInfo(code int, err error) *ErrorInfo {
	info := &ErrorInfo{Code: code, Message: err.Error()}
	for name, s := range sentinels {
		if errors.Is(err, s) {
			info.Data = name
			break
		}
	}
	return info
}

// RemoteError is an error returned by the daemon.
type RemoteError struct {
	Info ErrorInfo
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon: %s (code %d)", e.Info.Message, e.Info.Code)
}

// Unwrap yields the core sentinel named by the daemon, if any.
func (e *RemoteError) Unwrap() error { return sentinels[e.Info.Data] }

// Status is the result of daemon.status.
type Status struct {
	Device  string       `json:"device" yaml:"device"`
	Chip    string       `json:"chip" yaml:"chip"`
	Version string       `json:"version" yaml:"version"`
	Ready   bool         `json:"ready" yaml:"ready"`
	Uptime  int64        `json:"uptime_seconds" yaml:"uptime_seconds"`
	Switch  bool         `json:"switch" yaml:"switch"`
	Links   []PortStatus `json:"links" yaml:"links"`
}

// PortStatus is the link of one port.
type PortStatus struct {
	Port   uint8  `json:"port" yaml:"port"`
	Link   string `json:"link" yaml:"link"`
	Up     bool   `json:"up" yaml:"-"`
	Speed  int    `json:"speed" yaml:"-"`
	Duplex string `json:"duplex" yaml:"-"`
}

// MACParams selects an entry by address.
type MACParams struct {
	MAC core.MACAddr `json:"mac"`
}

// IndexParams selects a table slot or cursor position.
type IndexParams struct {
	Index int `json:"index"`
}

// PortParams selects a port and optionally a state.
type PortParams struct {
	Port  int    `json:"port"`
	State string `json:"state,omitempty"`
}

// AgingParams sets the aging time.
type AgingParams struct {
	Seconds uint32 `json:"seconds"`
}
