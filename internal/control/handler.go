package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/device"
)

// Device is the part of a device the handler manages.
type Device interface {
	Name() string
	Ready() bool
	LinkStates() []core.LinkState
	Switch() (device.Switch, bool)
}

// Reloader reloads the daemon configuration.
type Reloader interface {
	Reload() error
}

// Handler executes requests against one device.
type Handler struct {
	dev      Device
	chip     string
	version  string
	reloader Reloader
	shutdown func()
	started  time.Time
}

// NewHandler creates a handler. reloader and shutdown may be nil.
func NewHandler(dev Device, chip, version string, reloader Reloader, shutdown func()) *Handler {
	return &Handler{
		dev:      dev,
		chip:     chip,
		version:  version,
		reloader: reloader,
		shutdown: shutdown,
		started:  time.Now(),
	}
}

type call struct {
	params json.RawMessage
}

func (c call) decode(v any) *ErrorInfo {
	if len(c.params) == 0 {
		return &ErrorInfo{Code: ErrCodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(c.params, v); err != nil {
		return &ErrorInfo{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}

// Handle executes one request.
func (h *Handler) Handle(_ context.Context, req Request) Response {
	slog.Debug("handling command", "method", req.Method, "id", req.ID)
	result, info := h.dispatch(req.Method, call{params: req.Params})
	resp := Response{JSONRPC: "2.0", ID: req.ID}
	if info != nil {
		slog.Warn("command failed", "method", req.Method, "error", info.Message)
		resp.Error = info
	} else {
		resp.Result = result
	}
	return resp
}

func (h *Handler) dispatch(method string, c call) (any, *ErrorInfo) {
	switch method {
	case MethodStatus:
		return h.status(), nil
	case MethodShutdown:
		if h.shutdown == nil {
			return nil, errorInfo(ErrCodeInternalError, core.ErrUnsupported)
		}
		h.shutdown()
		return map[string]string{"status": "stopping"}, nil
	case MethodReload:
		if h.reloader == nil {
			return nil, errorInfo(ErrCodeInternalError, core.ErrUnsupported)
		}
		if err := h.reloader.Reload(); err != nil {
			return nil, errorInfo(ErrCodeInternalError, err)
		}
		return map[string]string{"status": "reloaded"}, nil
	}

	sw, ok := h.dev.Switch()
	if !ok {
		if _, known := switchMethods[method]; known {
			return nil, errorInfo(ErrCodeInternalError, fmt.Errorf("%s: %w", h.dev.Name(), core.ErrUnsupported))
		}
		return nil, &ErrorInfo{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method %q not found", method)}
	}
	fn, known := switchMethods[method]
	if !known {
		return nil, &ErrorInfo{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method %q not found", method)}
	}
	return fn(sw, c)
}

type switchMethod func(sw device.Switch, c call) (any, *ErrorInfo)

func done(err error) (any, *ErrorInfo) {
	if err != nil {
		return nil, errorInfo(ErrCodeInternalError, err)
	}
	return map[string]string{"status": "ok"}, nil
}

func entries(list []core.FdbEntry, err error) (any, *ErrorInfo) {
	if err != nil {
		return nil, errorInfo(ErrCodeInternalError, err)
	}
	if list == nil {
		list = []core.FdbEntry{}
	}
	return list, nil
}

func entry(e core.FdbEntry, err error) (any, *ErrorInfo) {
	if err != nil {
		return nil, errorInfo(ErrCodeInternalError, err)
	}
	return e, nil
}

var switchMethods = map[string]switchMethod{
	MethodFdbAdd: func(sw device.Switch, c call) (any, *ErrorInfo) {
		var e core.FdbEntry
		if info := c.decode(&e); info != nil {
			return nil, info
		}
		return done(sw.AddStaticEntry(e))
	},
	MethodFdbDelete: func(sw device.Switch, c call) (any, *ErrorInfo) {
		var p MACParams
		if info := c.decode(&p); info != nil {
			return nil, info
		}
		return done(sw.DeleteStaticEntry(p.MAC))
	},
	MethodFdbGet: func(sw device.Switch, c call) (any, *ErrorInfo) {
		var p IndexParams
		if info := c.decode(&p); info != nil {
			return nil, info
		}
		return entry(sw.GetStaticEntry(p.Index))
	},
	MethodFdbList: func(sw device.Switch, _ call) (any, *ErrorInfo) {
		return entries(sw.ListStaticEntries())
	},
	MethodFdbDump: func(sw device.Switch, _ call) (any, *ErrorInfo) {
		return entries(sw.DumpDynamic())
	},
	MethodFdbNext: func(sw device.Switch, c call) (any, *ErrorInfo) {
		var p IndexParams
		if info := c.decode(&p); info != nil {
			return nil, info
		}
		return entry(sw.EnumerateDynamicEntry(p.Index))
	},
	MethodFdbFlushStatic: func(sw device.Switch, _ call) (any, *ErrorInfo) {
		return done(sw.FlushStatic())
	},
	MethodFdbFlush: func(sw device.Switch, c call) (any, *ErrorInfo) {
		var p PortParams
		if info := c.decode(&p); info != nil {
			return nil, info
		}
		return done(sw.FlushDynamic(p.Port))
	},
	MethodFdbAging: func(sw device.Switch, c call) (any, *ErrorInfo) {
		var p AgingParams
		if info := c.decode(&p); info != nil {
			return nil, info
		}
		sw.SetAgingTime(p.Seconds)
		return done(nil)
	},
	MethodPortGet: func(sw device.Switch, c call) (any, *ErrorInfo) {
		var p PortParams
		if info := c.decode(&p); info != nil {
			return nil, info
		}
		port, err := portNumber(p.Port)
		if err != nil {
			return nil, errorInfo(ErrCodeInvalidParams, err)
		}
		st, err := sw.PortState(port)
		if err != nil {
			return nil, errorInfo(ErrCodeInternalError, err)
		}
		return PortParams{Port: p.Port, State: st.String()}, nil
	},
	MethodPortSet: func(sw device.Switch, c call) (any, *ErrorInfo) {
		var p PortParams
		if info := c.decode(&p); info != nil {
			return nil, info
		}
		port, err := portNumber(p.Port)
		if err != nil {
			return nil, errorInfo(ErrCodeInvalidParams, err)
		}
		st, err := core.ParsePortState(p.State)
		if err != nil {
			return nil, errorInfo(ErrCodeInvalidParams, err)
		}
		return done(sw.SetPortState(port, st))
	},
}

func portNumber(p int) (uint8, error) {
	if p < 0 || p > 255 {
		return 0, fmt.Errorf("port %d: %w", p, core.ErrInvalidPort)
	}
	return uint8(p), nil
}

func (h *Handler) status() Status {
	_, isSwitch := h.dev.Switch()
	st := Status{
		Device:  h.dev.Name(),
		Chip:    h.chip,
		Version: h.version,
		Ready:   h.dev.Ready(),
		Uptime:  int64(time.Since(h.started).Seconds()),
		Switch:  isSwitch,
	}
	for i, l := range h.dev.LinkStates() {
		if i == 0 {
			continue
		}
		port := uint8(i)
		if !isSwitch {
			port = 0
		}
		st.Links = append(st.Links, PortStatus{
			Port:   port,
			Link:   l.String(),
			Up:     l.Up,
			Speed:  int(l.Speed),
			Duplex: l.Duplex.String(),
		})
	}
	return st
}
