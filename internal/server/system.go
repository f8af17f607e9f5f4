package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/peer-rpc/pkg/connector"
	"github.com/morezero/peer-rpc/pkg/route"
)

const systemLogPrefix = "server:system"

// PingOutput is the result of system ping.
type PingOutput struct {
	Pong   bool   `json:"pong"`
	NodeID string `json:"nodeId"`
	Time   string `json:"time"`
}

// DescribeOutput is the result of system describe.
type DescribeOutput struct {
	NodeID      string            `json:"nodeId"`
	Service     string            `json:"service"`
	Protocol    string            `json:"protocol"`
	Address     string            `json:"address"`
	Labels      map[string]string `json:"labels"`
	State       string            `json:"state"`
	Methods     []string          `json:"methods"`
	Notifies    []string          `json:"notifies"`
	Connections int               `json:"connections"`
	Session     string            `json:"session,omitempty"`
	UptimeMs    int64             `json:"uptimeMs"`
}

// LogInput is the payload of the system log notification.
type LogInput struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Validate implements the route validation hook.
func (in LogInput) Validate() error {
	if in.Message == "" {
		return route.Invalid("message", "must not be empty")
	}
	return nil
}

func (s *Server) registerSystem() {
	must := func(err error) {
		if err != nil {
			panic(fmt.Sprintf("%s - register: %v", systemLogPrefix, err))
		}
	}

	must(s.route.RegisterMethod("ping", route.Method(func(ctx context.Context, _ struct{}) (PingOutput, error) {
		return PingOutput{Pong: true, NodeID: s.cfg.NodeID, Time: time.Now().UTC().Format(time.RFC3339Nano)}, nil
	})))

	must(s.route.RegisterMethod("echo", func(ctx context.Context, payload json.RawMessage, _ ...any) (any, error) {
		return payload, nil
	}))

	must(s.route.RegisterMethod("describe", func(ctx context.Context, _ json.RawMessage, args ...any) (any, error) {
		c, _ := args[0].(*connector.Connector)
		return s.describe(c), nil
	}, route.ConnectorParam()))

	must(s.route.RegisterNotify("log", route.Notify(func(ctx context.Context, in LogInput) error {
		msg := fmt.Sprintf("%s - remote log: %s", systemLogPrefix, in.Message)
		switch in.Level {
		case "debug":
			slog.Debug(msg)
		case "warn":
			slog.Warn(msg)
		case "error":
			slog.Error(msg)
		default:
			slog.Info(msg)
		}
		return nil
	})))
}

func (s *Server) describe(c *connector.Connector) DescribeOutput {
	s.mu.Lock()
	e, l, started := s.endpoint.Clone(), s.listener, s.started
	s.mu.Unlock()

	out := DescribeOutput{
		NodeID:   s.cfg.NodeID,
		Service:  s.cfg.ServiceName,
		Protocol: e.Protocol,
		Address:  e.Address,
		Labels:   e.Labels,
		State:    string(e.State),
		Methods:  s.route.Methods(),
		Notifies: s.route.Notifies(),
	}
	if l != nil {
		out.Connections = l.Len()
	}
	if c != nil {
		out.Session = c.Session()
	}
	if !started.IsZero() {
		out.UptimeMs = time.Since(started).Milliseconds()
	}
	return out
}
