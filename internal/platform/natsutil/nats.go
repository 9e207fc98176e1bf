package natsutil

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/todo-1m/automation/internal/messaging"
	"github.com/todo-1m/automation/internal/sharding"
)

// PartitionKeyHeader carries the owner id so consumers can order deliveries per owner.
const PartitionKeyHeader = "Partition-Key"

type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

func ConnectJetStream(url string) (*Client, error) {
	conn, err := nats.Connect(url, nats.Name("task-engine"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	if err := messaging.EnsureStreams(js); err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, JS: js}, nil
}

func ConnectJetStreamWithRetry(url string, timeout time.Duration) (*Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := ConnectJetStream(url)
		if err == nil {
			return client, nil
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("connect jetstream timeout after %s: %w", timeout, lastErr)
}

// Connected reports whether the underlying connection is currently up.
func (c *Client) Connected() bool {
	return c != nil && c.Conn != nil && c.Conn.IsConnected()
}

func (c *Client) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	_ = c.Conn.Drain()
	c.Conn.Close()
}

type JetStreamPublisher struct {
	JS nats.JetStreamContext
}

// Send publishes data to <topic>.<shard of key>, with dedupID as the JetStream
// message id.
func (p JetStreamPublisher) Send(ctx context.Context, topic, key, dedupID string, data []byte) error {
	msg := NewMessage(topic, key, dedupID, data)
	_, err := p.JS.PublishMsg(msg, nats.Context(ctx))
	return err
}

func NewMessage(topic, key, dedupID string, data []byte) *nats.Msg {
	msg := nats.NewMsg(sharding.GetSubject(topic, key))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, dedupID)
	msg.Header.Set(PartitionKeyHeader, key)
	return msg
}
