package messaging

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func natsClient(t *testing.T) *NATSClient {
	t.Helper()
	url := os.Getenv("MESSAGING_TEST_NATS_URL")
	if url == "" {
		t.Skipf("MESSAGING_TEST_NATS_URL not set, skipping NATS test")
	}
	cfg := DefaultNATSConfig()
	cfg.URL = url
	c, err := NewNATSClient(cfg, zerolog.Nop())
	if err != nil {
		t.Skipf("NATS not available at %s: %v", url, err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestNATS_InvalidationRoundTrip(t *testing.T) {
	c := natsClient(t)

	got := make(chan Invalidation, 1)
	require.NoError(t, c.SubscribeInvalidations(func(inv Invalidation) { got <- inv }))
	require.NoError(t, c.conn.Flush())

	require.NoError(t, c.PublishInvalidation(Invalidation{Key: "home-exams-8", Origin: "edge-a"}))

	select {
	case inv := <-got:
		assert.Equal(t, "home-exams-8", inv.Key)
		assert.Equal(t, "edge-a", inv.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("invalidation not delivered")
	}
}

func TestNATS_ChatInboundPerConnection(t *testing.T) {
	c := natsClient(t)

	a := make(chan []byte, 1)
	b := make(chan []byte, 1)
	require.NoError(t, c.SubscribeChatInbound("conn-a", "sid-1", func(d []byte) { a <- d }))
	require.NoError(t, c.SubscribeChatInbound("conn-b", "sid-1", func(d []byte) { b <- d }))
	require.NoError(t, c.conn.Flush())

	require.NoError(t, c.Publish(SubjectChatInbound+".sid-1", []byte("hello")))
	for _, ch := range []chan []byte{a, b} {
		select {
		case d := <-ch:
			assert.Equal(t, "hello", string(d))
		case <-time.After(2 * time.Second):
			t.Fatal("inbound frame not delivered")
		}
	}

	require.NoError(t, c.UnsubscribeChatInbound("conn-a"))
	assert.Error(t, c.UnsubscribeChatInbound("conn-a"))
}
