package chathub_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"driftchat/backend/internal/models"

	"github.com/stretchr/testify/require"
)

type MockClient struct {
	userID      string
	RecvChannel chan []byte
	closed      chan struct{}
	closeOnce   sync.Once
}

func newMockClient(userID string, buffer int) *MockClient {
	return &MockClient{
		userID:      userID,
		RecvChannel: make(chan []byte, buffer),
		closed:      make(chan struct{}),
	}
}

func (c *MockClient) GetUserID() string             { return c.userID }
func (c *MockClient) GetSendChannel() chan<- []byte { return c.RecvChannel }

func (c *MockClient) Run() {
	// Not needed for testing
}

func (c *MockClient) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *MockClient) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// next reads the next frame or fails after a second.
func (c *MockClient) next(t *testing.T) models.Envelope {
	t.Helper()
	select {
	case frame := <-c.RecvChannel:
		var env models.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		return env
	case <-time.After(time.Second):
		t.Fatalf("client %s received nothing", c.userID)
		return models.Envelope{}
	}
}

func (c *MockClient) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case frame := <-c.RecvChannel:
		t.Fatalf("client %s got unexpected frame %s", c.userID, frame)
	case <-time.After(50 * time.Millisecond):
	}
}
