package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"adwboard/internal/model"
)

const DefaultRelayTopic = "adwboard.lifecycle"

type RelayOptions struct {
	RedisURL string
	Topic    string
}

// Relay forwards broker events to a watermill publisher so observers in
// other processes see them. It reads from its own broker subscription, which
// keeps Broker.Publish non-blocking regardless of the downstream transport.
type Relay struct {
	broker    *Broker
	publisher message.Publisher
	topic     string
	logger    *slog.Logger
	closers   []func() error

	mu          sync.Mutex
	unsubscribe func()
	done        chan struct{}
}

func NewRelay(broker *Broker, publisher message.Publisher, topic string, logger *slog.Logger) *Relay {
	if strings.TrimSpace(topic) == "" {
		topic = DefaultRelayTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		broker:    broker,
		publisher: publisher,
		topic:     topic,
		logger:    logger,
	}
}

// NewRedisRelay publishes events onto a Redis stream named after the topic.
func NewRedisRelay(broker *Broker, options RelayOptions, logger *slog.Logger) (*Relay, error) {
	redisURL := strings.TrimSpace(options.RedisURL)
	if redisURL == "" {
		return nil, fmt.Errorf("relay redis url is required")
	}
	redisOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay redis url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(redisOptions)
	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     client,
		Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
	}, watermill.NewSlogLogger(logger))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create redis stream publisher: %w", err)
	}
	relay := NewRelay(broker, publisher, options.Topic, logger)
	relay.closers = append(relay.closers, func() error {
		// The stream publisher may already have closed the shared client.
		if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			return err
		}
		return nil
	})
	return relay, nil
}

func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}
	events, unsubscribe := r.broker.Subscribe("")
	r.unsubscribe = unsubscribe
	r.done = make(chan struct{})
	done := r.done
	go func() {
		defer close(done)
		for event := range events {
			if err := r.forward(event); err != nil {
				r.logger.Warn("lifecycle relay publish failed",
					"run_id", event.RunID,
					"type", string(event.Type),
					"err", err,
				)
			}
		}
	}()
}

func (r *Relay) forward(event model.LifecycleEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	messageID := event.ID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	msg := message.NewMessage(messageID, payload)
	msg.Metadata.Set("run_id", event.RunID)
	msg.Metadata.Set("type", string(event.Type))
	return r.publisher.Publish(r.topic, msg)
}

// Close stops forwarding, drains what the subscription already holds and
// closes the publisher.
func (r *Relay) Close() error {
	r.mu.Lock()
	unsubscribe := r.unsubscribe
	done := r.done
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if done != nil {
		<-done
	}
	var firstErr error
	if err := r.publisher.Close(); err != nil {
		firstErr = err
	}
	for _, closer := range r.closers {
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
