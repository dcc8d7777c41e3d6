// Package control implements the MQTT command channel of the daemon.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Supported commands.
const (
	CmdStartSession = "start_session"
	CmdStopSession  = "stop_session"
	CmdClearResults = "clear_results"
	CmdGetStatus    = "get_status"
)

// Command represents a control plane command
type Command struct {
	Command   string                 `json:"command"`
	RequestID string                 `json:"request_id,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	RequestID  string                 `json:"request_id,omitempty"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Client is the subset of mqtt.Client used by the handler.
type Client interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnStartSession func(ctx context.Context) error
	OnStopSession  func() error
	OnClearResults func() error
	OnGetStatus    func() map[string]interface{}
}

// Topics used by the handler.
type Topics struct {
	Control string
	Status  string
}

// Handler handles control plane commands
type Handler struct {
	client    Client
	topics    Topics
	qos       byte
	callbacks CommandCallbacks
	now       func() time.Time

	commands chan Command
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHandler creates a new control plane handler
func NewHandler(client Client, topics Topics, qos byte, callbacks CommandCallbacks) *Handler {
	return &Handler{
		client:    client,
		topics:    topics,
		qos:       qos,
		callbacks: callbacks,
		now:       time.Now,
		commands:  make(chan Command, 10),
		done:      make(chan struct{}),
	}
}

// Start subscribes to the control topic and starts processing commands
func (h *Handler) Start(ctx context.Context) error {
	slog.Info("subscribing to control plane", "topic", h.topics.Control, "qos", h.qos)

	token := h.client.Subscribe(h.topics.Control, h.qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	h.wg.Add(1)
	go h.processCommands(ctx)

	slog.Info("control plane handler started")
	return nil
}

// Stop unsubscribes and waits for the command loop to exit
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() {
		token := h.client.Unsubscribe(h.topics.Control)
		if !token.WaitTimeout(2 * time.Second) {
			slog.Warn("control plane unsubscribe timeout")
		}
		close(h.done)
	})
	h.wg.Wait()

	slog.Info("control plane handler stopped")
	return nil
}

// messageHandler is called by the MQTT client for every control message
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command, "request_id", cmd.RequestID)

	select {
	case <-h.done:
		return
	default:
	}

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
		h.sendResponse(Response{
			CommandAck: cmd.Command,
			RequestID:  cmd.RequestID,
			Status:     "error",
			Error:      "command queue full",
		})
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(ctx, cmd))
		}
	}
}

// handleCommand executes a command and builds its response
func (h *Handler) handleCommand(ctx context.Context, cmd Command) Response {
	resp := Response{CommandAck: cmd.Command, RequestID: cmd.RequestID}

	fail := func(err error) Response {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}

	switch cmd.Command {
	case CmdGetStatus:
		if h.callbacks.OnGetStatus == nil {
			return fail(fmt.Errorf("get_status not implemented"))
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case CmdStartSession:
		if h.callbacks.OnStartSession == nil {
			return fail(fmt.Errorf("start_session not implemented"))
		}
		startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := h.callbacks.OnStartSession(startCtx); err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"session_active": true}

	case CmdStopSession:
		if h.callbacks.OnStopSession == nil {
			return fail(fmt.Errorf("stop_session not implemented"))
		}
		if err := h.callbacks.OnStopSession(); err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"session_active": false}

	case CmdClearResults:
		if h.callbacks.OnClearResults == nil {
			return fail(fmt.Errorf("clear_results not implemented"))
		}
		if err := h.callbacks.OnClearResults(); err != nil {
			return fail(err)
		}
		resp.Status = "success"

	default:
		slog.Warn("unknown control command", "command", cmd.Command)
		return fail(fmt.Errorf("unknown command: %s", cmd.Command))
	}

	return resp
}

// sendResponse publishes a response on the status topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = h.now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.topics.Status, h.qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
