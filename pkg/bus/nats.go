package bus

import (
	"context"
	"fmt"

	"github.com/appetiteclub/apt/events"
	"github.com/nats-io/nats.go"
)

// NATSConn is a single bidirectional NATS connection carrying both the event
// channel (inbound subscriptions) and the command channel (outbound publishes).
// Automatic reconnection is disabled on purpose: the connection manager owns
// the retry policy, so a dropped connection only surfaces through onDrop.
type NATSConn struct {
	conn *nats.Conn
}

// Dial connects to NATS. onDrop, when non-nil, is invoked once when the
// connection is closed for any reason other than an explicit Close.
func Dial(url string, onDrop func(error)) (*NATSConn, error) {
	opts := []nats.Option{
		nats.NoReconnect(),
	}
	if onDrop != nil {
		opts = append(opts, nats.ClosedHandler(func(nc *nats.Conn) {
			onDrop(nc.LastError())
		}))
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSConn{conn: conn}, nil
}

func (c *NATSConn) Publish(ctx context.Context, topic string, msg []byte) error {
	return c.conn.Publish(topic, msg)
}

func (c *NATSConn) Subscribe(ctx context.Context, topic string, handler events.HandlerFunc) error {
	_, err := c.conn.Subscribe(topic, func(msg *nats.Msg) {
		// Handlers absorb their own failures; a bad message never
		// tears down the subscription.
		_ = handler(ctx, msg.Data)
	})
	return err
}

func (c *NATSConn) Close() error {
	c.conn.Close()
	return nil
}
