package natsutil

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestNewMessage(t *testing.T) {
	msg := NewMessage("task-events", "user-1", "evt-1", []byte(`{}`))

	assert.Equal(t, "task-events.532", msg.Subject)
	assert.Equal(t, "evt-1", msg.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "user-1", msg.Header.Get(PartitionKeyHeader))
	assert.Equal(t, []byte(`{}`), msg.Data)
}

func TestClient_NilIsDisconnected(t *testing.T) {
	var c *Client
	assert.False(t, c.Connected())
	c.Close()
}
