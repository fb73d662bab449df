package clients

import (
	"fmt"
	"log"
	"time"

	"go-autopilot/internal/config"

	"github.com/nats-io/nats.go"
)

// NATSClient wraps the JetStream connection used as the durable job queue.
type NATSClient struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string
	subject    string
	consumer   string
}

// NewNATSClient connects to NATS and ensures the work-queue stream exists.
func NewNATSClient(cfg *config.NATSConfig) (*NATSClient, error) {
	connectTimeout := 10 * time.Second
	if cfg.Timeout > 0 {
		connectTimeout = time.Duration(cfg.Timeout) * time.Second
	}
	reconnectWait := 5 * time.Second
	if cfg.ReconnectWait > 0 {
		reconnectWait = time.Duration(cfg.ReconnectWait) * time.Second
	}
	maxReconnects := -1
	if cfg.MaxReconnects > 0 {
		maxReconnects = cfg.MaxReconnects
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("[NATS] Disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[NATS] Reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	client := &NATSClient{
		conn:       conn,
		js:         js,
		streamName: cfg.Stream,
		subject:    cfg.Subject,
		consumer:   cfg.Consumer,
	}

	if err := client.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}

	log.Printf("[NATS] Connected, stream %s ready", cfg.Stream)
	return client, nil
}

// ensureStream creates the work-queue stream if it does not exist yet.
// WorkQueue retention means a message is removed once its consumer acks it,
// so the queue owns each job exactly until a terminal outcome.
func (c *NATSClient) ensureStream() error {
	_, err := c.js.StreamInfo(c.streamName)
	if err == nil {
		return nil
	}

	streamConfig := &nats.StreamConfig{
		Name:       c.streamName,
		Subjects:   []string{c.subject},
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		MaxAge:     24 * time.Hour,
		Duplicates: 10 * time.Minute,
	}
	if _, err := c.js.AddStream(streamConfig); err != nil {
		return fmt.Errorf("failed to create stream %s: %w", c.streamName, err)
	}

	log.Printf("[NATS] Created stream %s (subject %s)", c.streamName, c.subject)
	return nil
}

// PublishJob enqueues a job payload. msgID feeds JetStream's dedup window, so
// a re-submitted job with the same identity is dropped at the queue level;
// the duplicate flag tells the caller its message never entered the stream.
func (c *NATSClient) PublishJob(msgID string, payload []byte) (bool, error) {
	opts := []nats.PubOpt{}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	ack, err := c.js.Publish(c.subject, payload, opts...)
	if err != nil {
		return false, fmt.Errorf("failed to publish job: %w", err)
	}
	if ack.Duplicate {
		log.Printf("[NATS] Duplicate job suppressed by stream (msgID=%s)", msgID)
	}
	return ack.Duplicate, nil
}

// PullSubscribe binds the durable worker consumer. Redelivery policy lives
// here: bounded delivery attempts with an explicit backoff ladder.
func (c *NATSClient) PullSubscribe(maxDeliver int, ackWait time.Duration, backoff []time.Duration) (*nats.Subscription, error) {
	subOpts := []nats.SubOpt{
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxDeliver(maxDeliver),
		nats.AckWait(ackWait),
	}
	if len(backoff) > 0 {
		subOpts = append(subOpts, nats.BackOff(backoff))
	}

	sub, err := c.js.PullSubscribe(c.subject, c.consumer, subOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull consumer %s: %w", c.consumer, err)
	}
	return sub, nil
}

// Close drains the connection.
func (c *NATSClient) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// GetConnection exposes the raw connection for health checks.
func (c *NATSClient) GetConnection() *nats.Conn {
	return c.conn
}
