/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package invalidation carries cache-coherence events between horizontally
// scaled instances over Redis pub/sub.
package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/sublingo/sublingo/internal/crypto"
	"github.com/sublingo/sublingo/internal/metrics"
)

// Channel is the canonical invalidation channel name. Events are also
// published under every known prefix variant so mixed deployments interop.
const Channel = "session:invalidate"

// Actions carried by invalidation events.
const (
	ActionUpdate = "update"
	ActionDelete = "delete"
)

const (
	publishAttempts   = 3
	publishMinBackoff = 100 * time.Millisecond
	publishMaxBackoff = 500 * time.Millisecond
)

// Event is the JSON payload published on the invalidation channel.
type Event struct {
	Token      string `json:"token"`
	Action     string `json:"action"`
	InstanceID string `json:"instanceId"`
	Timestamp  int64  `json:"timestamp"`
}

// Handler receives peer events. Own events are filtered before dispatch.
type Handler func(Event)

// Bus publishes and receives session invalidation events. It holds two
// Redis clients because a client in subscriber mode cannot issue arbitrary
// commands.
type Bus struct {
	pub        goredis.UniversalClient
	sub        goredis.UniversalClient
	pubsub     *goredis.PubSub
	instanceID string
	channels   []string
	log        logr.Logger
	metrics    *metrics.CoreMetrics

	mu       sync.Mutex
	handlers []Handler
	closed   bool
}

// New creates a Bus. prefixes lists the tenant prefix variants the
// deployment may be running under; the canonical channel is always
// included. The caller retains ownership of both clients.
func New(pub, sub goredis.UniversalClient, prefixes []string, m *metrics.CoreMetrics, log logr.Logger) *Bus {
	channels := []string{Channel}
	seen := map[string]bool{Channel: true}
	for _, p := range prefixes {
		ch := p + Channel
		if p == "" || seen[ch] {
			continue
		}
		channels = append(channels, ch)
		seen[ch] = true
	}
	return &Bus{
		pub:        pub,
		sub:        sub,
		instanceID: uuid.NewString(),
		channels:   channels,
		log:        log.WithName("invalidation-bus"),
		metrics:    m,
	}
}

// InstanceID returns this process's unique bus identity.
func (b *Bus) InstanceID() string {
	return b.instanceID
}

// Subscribe registers a handler for peer events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Start subscribes to all channel variants and dispatches peer events
// until ctx is cancelled or Close is called.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.pubsub != nil {
		b.mu.Unlock()
		return errors.New("invalidation: bus already started")
	}
	b.pubsub = b.sub.Subscribe(ctx, b.channels...)
	b.mu.Unlock()

	// Force the subscription onto the wire before returning so callers
	// cannot miss events published right after Start.
	if _, err := b.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("invalidation: subscribe: %w", err)
	}

	go b.receiveLoop(ctx)
	return nil
}

func (b *Bus) receiveLoop(ctx context.Context) {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.V(1).Info("dropping malformed invalidation event", "error", err.Error())
				continue
			}
			if ev.InstanceID == b.instanceID {
				// Own event; self-invalidation would defeat the cache.
				continue
			}
			b.mu.Lock()
			handlers := make([]Handler, len(b.handlers))
			copy(handlers, b.handlers)
			b.mu.Unlock()
			for _, h := range handlers {
				h(ev)
			}
		}
	}
}

// Publish sends an invalidation event under all channel variants. Up to
// three attempts with 100-500ms backoff per channel; connection errors
// retry, application errors do not. Exhausted retries are logged with a
// visible warning and counted, but never fail the write that triggered the
// publish.
func (b *Bus) Publish(ctx context.Context, token, action string) {
	ev := Event{
		Token:      token,
		Action:     action,
		InstanceID: b.instanceID,
		Timestamp:  time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error(err, "marshal invalidation event")
		return
	}

	for _, channel := range b.channels {
		if err := b.publishChannel(ctx, channel, payload); err != nil {
			b.log.Error(err, "INVALIDATION PUBLISH FAILED, peers may serve stale sessions until their next storage read",
				"channel", channel, "token", crypto.HashTrunc(token, 16), "action", action)
			b.metrics.RecordInvalidationFailed()
		}
	}
}

func (b *Bus) publishChannel(ctx context.Context, channel string, payload []byte) error {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(publishMinBackoff),
		backoff.WithMaxInterval(publishMaxBackoff),
	), publishAttempts-1)

	return backoff.Retry(func() error {
		err := b.pub.Publish(ctx, channel, payload).Err()
		if err == nil {
			return nil
		}
		var redisErr goredis.Error
		if errors.As(err, &redisErr) {
			// Application-level failure; retrying will not help.
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

// Close tears down the subscription. The clients are not closed; the
// caller owns them.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
