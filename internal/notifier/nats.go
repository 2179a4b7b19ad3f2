package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/yairfalse/anchor/internal/telemetry"
	"github.com/yairfalse/anchor/pkg/resource"
)

// DefaultSubjectPrefix is used when NATSConfig.SubjectPrefix is empty.
const DefaultSubjectPrefix = "anchor.resources"

// NATSConfig configures the NATS notifier.
type NATSConfig struct {
	URL           string // default nats.DefaultURL
	SubjectPrefix string
	Name          string // client connection name
}

// publisher is the part of *nats.Conn the notifier uses.
type publisher interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// NATS publishes events as JSON on "<prefix>.<type>" and delivers every
// event received under the prefix to its subscribers. Delivery is core NATS,
// at most once: events published while disconnected are lost, and
// subscribers rely on the sweep and pending deletions to catch up.
type NATS struct {
	conn   publisher
	prefix string
	local  *Memory
	logger *telemetry.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATS connects to the NATS server in cfg.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	name := cfg.Name
	if name == "" {
		name = "anchor"
	}

	logger := telemetry.NewLogger("notifier.nats")
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	n, err := newNATS(conn, cfg.SubjectPrefix)
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger.Info().Str("url", url).Str("prefix", n.prefix).Msg("connected to NATS")
	return n, nil
}

func newNATS(conn publisher, prefix string) (*NATS, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	n := &NATS{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		local:  NewMemory(),
		logger: telemetry.NewLogger("notifier.nats"),
	}

	sub, err := conn.Subscribe(n.prefix+".>", n.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s.>: %w", n.prefix, err)
	}
	n.sub = sub
	return n, nil
}

// Subject returns the subject an event type is published on.
func (n *NATS) Subject(t resource.EventType) string {
	return n.prefix + "." + strings.ToLower(string(t))
}

// Publish encodes ev as JSON and publishes it.
func (n *NATS) Publish(_ context.Context, ev resource.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}

	subject := n.Subject(ev.Type)
	if err := conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers h for events received from NATS.
func (n *NATS) Subscribe(h Handler) func() {
	return n.local.Subscribe(h)
}

func (n *NATS) receive(msg *nats.Msg) {
	var ev resource.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		n.logger.Error().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable event")
		return
	}
	if !ev.Type.Valid() {
		n.logger.Error().Str("subject", msg.Subject).Str("type", string(ev.Type)).Msg("dropping event with unknown type")
		return
	}
	_ = n.local.Publish(context.Background(), ev)
}

// Close drains the connection so in-flight messages are delivered.
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	err := n.conn.Drain()
	n.conn = nil
	_ = n.local.Close()
	return err
}
