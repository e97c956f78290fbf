package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adwboard/internal/model"
)

type recordingPublisher struct {
	mu       sync.Mutex
	topics   []string
	messages []*message.Message
	fail     bool
	closed   bool
}

func (p *recordingPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return fmt.Errorf("downstream unavailable")
	}
	for _, msg := range messages {
		p.topics = append(p.topics, topic)
		p.messages = append(p.messages, msg)
	}
	return nil
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func TestRelayForwardsBrokerEvents(t *testing.T) {
	broker := NewBroker(8)
	t.Cleanup(broker.Close)
	publisher := &recordingPublisher{}
	relay := NewRelay(broker, publisher, "", nil)
	relay.Start()

	broker.Publish(model.LifecycleEvent{ID: "evt-1", Type: model.LifecycleEventDeleted, RunID: "ab12cd34", Timestamp: time.Now().UTC()})
	require.Eventually(t, func() bool { return publisher.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, relay.Close())

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	assert.True(t, publisher.closed)
	assert.Equal(t, DefaultRelayTopic, publisher.topics[0])
	msg := publisher.messages[0]
	assert.Equal(t, "evt-1", msg.UUID)
	assert.Equal(t, "ab12cd34", msg.Metadata.Get("run_id"))

	var event model.LifecycleEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &event))
	assert.Equal(t, model.LifecycleEventDeleted, event.Type)
}

func TestRelayPublishFailureDoesNotBlockBroker(t *testing.T) {
	broker := NewBroker(2)
	t.Cleanup(broker.Close)
	relay := NewRelay(broker, &recordingPublisher{fail: true}, "lifecycle", nil)
	relay.Start()
	defer relay.Close()

	for i := 0; i < 10; i++ {
		broker.Publish(model.LifecycleEvent{ID: fmt.Sprintf("evt-%d", i), RunID: "ab12cd34"})
	}
}

func TestRedisRelayWritesToStream(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	broker := NewBroker(8)
	t.Cleanup(broker.Close)
	relay, err := NewRedisRelay(broker, RelayOptions{
		RedisURL: "redis://" + server.Addr() + "/0",
		Topic:    "adwboard-test",
	}, nil)
	require.NoError(t, err)
	relay.Start()
	t.Cleanup(func() { _ = relay.Close() })

	broker.Publish(model.LifecycleEvent{ID: "evt-redis", Type: model.LifecycleEventDeleted, RunID: "ab12cd34", Timestamp: time.Now().UTC()})

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	require.Eventually(t, func() bool {
		n, err := client.XLen(ctx, "adwboard-test").Result()
		return err == nil && n == 1
	}, 2*time.Second, 20*time.Millisecond)

	entries, err := client.XRange(ctx, "adwboard-test", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	found := false
	for _, value := range entries[0].Values {
		if text, ok := value.(string); ok && strings.Contains(text, "ab12cd34") {
			found = true
		}
	}
	assert.True(t, found, "expected stream entry to carry the run id, got %v", entries[0].Values)
}
