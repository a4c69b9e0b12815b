// Package command implements the local control plane.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/ctsync/internal/engine"
	"firestige.xyz/ctsync/internal/origin"
)

// Method names served over the control socket.
const (
	MethodStats          = "stats"
	MethodOriginList     = "origin.list"
	MethodConfigReload   = "config.reload"
	MethodDaemonShutdown = "daemon.shutdown"
	MethodDaemonStatus   = "daemon.status"
)

// Version is reported by daemon.status.
var Version = "0.1.0"

// StatsSource reports replication counters.
type StatsSource interface {
	Stats() engine.Stats
}

// OriginSource lists the registered origin handles.
type OriginSource interface {
	Entries() []origin.Entry
}

// ConfigReloader is the interface for reloading global configuration.
type ConfigReloader interface {
	Reload() error
}

// CommandHandler handles control plane commands.
type CommandHandler struct {
	stats          StatsSource
	origins        OriginSource
	configReloader ConfigReloader
	shutdownFunc   func() // called by daemon.shutdown to trigger graceful stop
	node           string
	startTime      time.Time
}

// NewCommandHandler creates a new command handler. Any source may be nil;
// the matching methods then answer with an internal error.
func NewCommandHandler(stats StatsSource, origins OriginSource, reloader ConfigReloader) *CommandHandler {
	return &CommandHandler{
		stats:          stats,
		origins:        origins,
		configReloader: reloader,
		startTime:      time.Now(),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon.shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// SetNode sets the node name reported by daemon.status.
func (h *CommandHandler) SetNode(name string) {
	h.node = name
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// Decode converts a generic Result into v.
func (r *Response) Decode(v interface{}) error {
	if r.Error != nil {
		return r.Error
	}
	data, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
)

func errorResponse(id string, code int, format string, args ...interface{}) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Debug("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case MethodStats:
		return h.handleStats(cmd)
	case MethodOriginList:
		return h.handleOriginList(cmd)
	case MethodConfigReload:
		return h.handleConfigReload(cmd)
	case MethodDaemonShutdown:
		return h.handleDaemonShutdown(cmd)
	case MethodDaemonStatus:
		return h.handleDaemonStatus(cmd)
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, "method %q not found", cmd.Method)
	}
}

func (h *CommandHandler) handleStats(cmd Command) Response {
	if h.stats == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "stats not available")
	}
	return Response{ID: cmd.ID, Result: h.stats.Stats()}
}

// OriginListResult is the result of origin.list.
type OriginListResult struct {
	Entries []origin.Entry `json:"entries"`
	Count   int            `json:"count"`
}

func (h *CommandHandler) handleOriginList(cmd Command) Response {
	if h.origins == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "origin registry not available")
	}
	entries := h.origins.Entries()
	return Response{ID: cmd.ID, Result: OriginListResult{Entries: entries, Count: len(entries)}}
}

func (h *CommandHandler) handleConfigReload(cmd Command) Response {
	if h.configReloader == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "config reloader not available")
	}
	if err := h.configReloader.Reload(); err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "reload config failed: %v", err)
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "reloaded",
		},
	}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}

	slog.Info("daemon.shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // let the response be sent first

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "shutting_down",
		},
	}
}

// StatusResult is the result of daemon.status.
type StatusResult struct {
	Version   string `json:"version"`
	Node      string `json:"node,omitempty"`
	UptimeSec int64  `json:"uptime_sec"`
}

func (h *CommandHandler) handleDaemonStatus(cmd Command) Response {
	return Response{
		ID: cmd.ID,
		Result: StatusResult{
			Version:   Version,
			Node:      h.node,
			UptimeSec: int64(time.Since(h.startTime).Seconds()),
		},
	}
}
