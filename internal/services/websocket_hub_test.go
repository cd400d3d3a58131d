package services

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHubFixture(t *testing.T) *WebSocketHub {
	t.Helper()
	hub := NewWebSocketHub()
	go hub.Run()
	return hub
}

func registerClient(t *testing.T, hub *WebSocketHub, id string) *WSClient {
	t.Helper()
	client := hub.NewClient(id, nil)
	hub.Register(client)
	require.Eventually(t, func() bool {
		return hub.GetClientCount() > 0
	}, time.Second, 5*time.Millisecond)
	return client
}

func receive(t *testing.T, client *WSClient) WSMessage {
	t.Helper()
	select {
	case data := <-client.Send:
		var msg WSMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatalf("client %s received no message", client.ID)
		return WSMessage{}
	}
}

func TestWebSocketHub(t *testing.T) {
	t.Run("topic broadcast reaches subscribers only", func(t *testing.T) {
		hub := newHubFixture(t)
		subscriber := registerClient(t, hub, "subscriber")
		bystander := registerClient(t, hub, "bystander")

		hub.Subscribe(subscriber, TopicIngest)
		assert.Equal(t, 1, hub.GetTopicSubscriberCount(TopicIngest))

		hub.BroadcastToTopic(TopicIngest, WSMessage{Type: "batch_ingested", Payload: map[string]interface{}{"itemCount": 3}})

		msg := receive(t, subscriber)
		assert.Equal(t, "batch_ingested", msg.Type)
		assert.Empty(t, bystander.Send)
	})

	t.Run("broadcast all reaches every client", func(t *testing.T) {
		hub := newHubFixture(t)
		first := registerClient(t, hub, "first")
		second := registerClient(t, hub, "second")

		hub.BroadcastAll(WSMessage{Type: "announcement"})

		assert.Equal(t, "announcement", receive(t, first).Type)
		assert.Equal(t, "announcement", receive(t, second).Type)
	})

	t.Run("unsubscribe stops topic delivery", func(t *testing.T) {
		hub := newHubFixture(t)
		client := registerClient(t, hub, "client")

		hub.Subscribe(client, TopicCatalog)
		hub.Unsubscribe(client, TopicCatalog)
		assert.Zero(t, hub.GetTopicSubscriberCount(TopicCatalog))

		hub.BroadcastToTopic(TopicCatalog, WSMessage{Type: "model_state"})
		assert.Empty(t, client.Send)
	})

	t.Run("unregister closes the send channel", func(t *testing.T) {
		hub := newHubFixture(t)
		client := registerClient(t, hub, "client")

		hub.Unregister(client)
		require.Eventually(t, func() bool {
			return hub.GetClientCount() == 0
		}, time.Second, 5*time.Millisecond)

		select {
		case _, open := <-client.Send:
			assert.False(t, open)
		case <-time.After(time.Second):
			t.Fatal("send channel was not closed")
		}
	})
}
