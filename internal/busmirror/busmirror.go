// Package busmirror publishes message-bus traffic onto a host-local
// embedded NATS server, purely as an observability mirror. It never
// participates in delivery — the in-process internal/bus remains the
// sole authority for mailbox semantics — and a mirror failure is
// logged, never surfaced to a bus caller, per SPEC_FULL.md §4.4.
package busmirror

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	nc "github.com/nats-io/nats.go"

	"github.com/CLIAIMONITOR/internal/bus"
)

const (
	subjectAgentStatus    = "agent.%s.status"
	subjectSystemBroadcast = "system.broadcast"
)

// Config configures the embedded mirror server.
type Config struct {
	Port      int
	JetStream bool
	DataDir   string
}

// Mirror owns an embedded NATS server plus a publishing connection.
type Mirror struct {
	srv  *server.Server
	conn *nc.Conn
}

// Start boots the embedded NATS server and connects a publisher to it.
func Start(cfg Config) (*Mirror, error) {
	if cfg.Port <= 0 {
		cfg.Port = 4222
	}
	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}
	if cfg.JetStream {
		opts.JetStream = true
		opts.StoreDir = cfg.DataDir
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("embedded nats server not ready")
	}

	conn, err := nc.Connect(fmt.Sprintf("nats://127.0.0.1:%d", cfg.Port))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect publisher: %w", err)
	}

	return &Mirror{srv: ns, conn: conn}, nil
}

// Shutdown closes the publisher connection and stops the embedded
// server.
func (m *Mirror) Shutdown() {
	if m.conn != nil {
		m.conn.Close()
	}
	if m.srv != nil {
		m.srv.Shutdown()
		m.srv.WaitForShutdown()
	}
}

type mirroredMessage struct {
	ID            string    `json:"id"`
	SenderID      string    `json:"sender_id"`
	SenderName    string    `json:"sender_name"`
	ReceiverID    string    `json:"receiver_id"`
	Type          int       `json:"type"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Func returns a bus.MirrorFunc that publishes msg to a subject derived
// from event ("send", "broadcast", ...). Publish errors are logged and
// swallowed; they never affect the originating bus call.
func (m *Mirror) Func() bus.MirrorFunc {
	return func(event string, msg *bus.Message) {
		payload := mirroredMessage{
			ID:            msg.ID,
			SenderID:      msg.SenderID,
			SenderName:    msg.SenderName,
			ReceiverID:    msg.ReceiverID,
			Type:          int(msg.Type),
			CorrelationID: msg.CorrelationID,
			Timestamp:     time.Now(),
		}
		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("[BUSMIRROR] Warning: marshal failed for event %s: %v", event, err)
			return
		}

		subject := subjectSystemBroadcast
		if event == "send" && msg.ReceiverID != "" {
			subject = fmt.Sprintf(subjectAgentStatus, msg.ReceiverID)
		}
		if err := m.conn.Publish(subject, data); err != nil {
			log.Printf("[BUSMIRROR] Warning: publish to %s failed: %v", subject, err)
		}
	}
}
