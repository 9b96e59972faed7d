package nats

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sharedConfig "sudooom.im.client/shared/config"
)

func TestClient_ReconnectCallbacks(t *testing.T) {
	c := &Client{}
	calls := 0
	c.OnReconnect(func() { calls++ })
	c.OnReconnect(func() { calls += 10 })

	c.reconnected()
	assert.Equal(t, 11, calls)

	c.reconnected()
	assert.Equal(t, 22, calls)
}

func TestClient_ReconnectHandlerInvokesCallbacks(t *testing.T) {
	getTestConn(t)

	c, err := NewClient(sharedConfig.NATSConfig{
		URL:           nats.DefaultURL,
		MaxReconnects: 10,
		ReconnectWait: 50 * time.Millisecond,
	}, "client-test")
	require.NoError(t, err)
	t.Cleanup(c.Close)

	fired := make(chan struct{}, 1)
	c.OnReconnect(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	// 强制断开底层 socket，客户端会自动重连
	require.NoError(t, c.Conn().ForceReconnect())

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("expected reconnect callback")
	}
	assert.True(t, c.IsConnected())
}
