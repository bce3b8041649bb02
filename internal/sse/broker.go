package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/bwb/device-claim-server/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
	clientBufferSize  = 32
)

// Event types streamed to dashboards.
const (
	EventDeviceClaimed    = "device_claimed"
	EventPairingCompleted = "pairing_completed"
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEvent marshals data into an Event of the given type.
func NewEvent(eventType string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Data: raw}, nil
}

type Client struct {
	Scope  string
	Events chan Event
	Done   chan struct{}
}

// Broker fans Redis pub/sub messages out to the SSE clients of this
// instance. Publishing goes through Redis so every instance sees every event.
type Broker struct {
	redis  *redisclient.Client
	scopes map[string]*scopeSubscription
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// scopeSubscription is one Redis subscription shared by the local clients of
// a scope.
type scopeSubscription struct {
	clients map[*Client]struct{}
	cancel  context.CancelFunc
	// ready is closed once the Redis subscription is active.
	ready chan struct{}
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:  redisClient,
		scopes: make(map[string]*scopeSubscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers a client for scope. It returns once the Redis
// subscription backing the scope is active.
func (b *Broker) Subscribe(scope string) *Client {
	client := &Client{
		Scope:  scope,
		Events: make(chan Event, clientBufferSize),
		Done:   make(chan struct{}),
	}

	b.mu.Lock()
	sub, ok := b.scopes[scope]
	if !ok {
		ctx, cancel := context.WithCancel(b.ctx)
		sub = &scopeSubscription{
			clients: make(map[*Client]struct{}),
			cancel:  cancel,
			ready:   make(chan struct{}),
		}
		b.scopes[scope] = sub
		go b.subscribeToRedis(ctx, scope, sub)
	}
	sub.clients[client] = struct{}{}
	clientCount := len(sub.clients)
	b.mu.Unlock()

	<-sub.ready

	log.Info().
		Str("scope", scope).
		Int("clientCount", clientCount).
		Msg("sse client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.scopes[client.Scope]
	if !ok {
		return
	}
	if _, member := sub.clients[client]; !member {
		return
	}

	delete(sub.clients, client)
	close(client.Done)

	if len(sub.clients) == 0 {
		sub.cancel()
		delete(b.scopes, client.Scope)
	}

	log.Info().
		Str("scope", client.Scope).
		Int("clientCount", len(sub.clients)).
		Msg("sse client unsubscribed")
}

// Publish sends event to every subscriber of scope across instances.
func (b *Broker) Publish(ctx context.Context, scope string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, redisclient.DeviceChannel(scope), data).Err()
}

func (b *Broker) subscribeToRedis(ctx context.Context, scope string, sub *scopeSubscription) {
	channel := redisclient.DeviceChannel(scope)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("redis subscribe failed")
	}
	close(sub.ready)

	log.Debug().
		Str("scope", scope).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(scope, sub, event)
		}
	}
}

func (b *Broker) broadcast(scope string, sub *scopeSubscription, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for client := range sub.clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("scope", scope).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.scopes {
		for client := range sub.clients {
			close(client.Done)
		}
	}
	b.scopes = make(map[string]*scopeSubscription)
}

func (b *Broker) ClientCount(scope string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, ok := b.scopes[scope]; ok {
		return len(sub.clients)
	}
	return 0
}
