package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dictalabs/dicta/internal/config"
	"github.com/dictalabs/dicta/internal/protocol"
)

// Client wraps the NATS connection with JSON publish helpers for the
// capture subjects.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("dicta-capture"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn: conn,
		js:   js,
		log:  log,
	}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) JetStream() nats.JetStreamContext {
	return c.js
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// PublishJSON marshals payload and publishes it on subject. A nil client is
// a no-op so callers can run without a bus.
func (c *Client) PublishJSON(subject string, payload any) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return c.conn.Publish(subject, data)
}

// PublishSessionEvent announces a session lifecycle transition.
func (c *Client) PublishSessionEvent(ev protocol.SessionEvent) error {
	subject := protocol.SubjectSessionStarted
	if ev.Type != protocol.EventSessionStarted {
		subject = protocol.SubjectSessionStopped
	}
	return c.PublishJSON(subject, ev)
}

// PublishTranscript broadcasts the final text for a session.
func (c *Client) PublishTranscript(tr protocol.Transcript) error {
	return c.PublishJSON(protocol.SubjectTranscriptFinal, tr)
}

// PublishLevel emits a throttled loudness sample for UI meters.
func (c *Client) PublishLevel(sample protocol.LevelSample) error {
	return c.PublishJSON(protocol.SubjectAudioLevel, sample)
}
