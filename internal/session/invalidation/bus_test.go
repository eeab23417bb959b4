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

package invalidation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	goredis "github.com/redis/go-redis/v9"
)

func setupBus(t *testing.T, prefixes []string) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	pub := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	sub := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = pub.Close()
		_ = sub.Close()
	})
	return New(pub, sub, prefixes, nil, logr.Discard()), mr
}

// eventCollector gathers dispatched events for assertions.
type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) handle(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCollector) wait(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.events)
		c.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestChannelVariantsAreDeduplicated(t *testing.T) {
	b, _ := setupBus(t, []string{"sublingo:", "sublingo:", "", "old:"})

	want := map[string]bool{
		Channel:               true,
		"sublingo:" + Channel: true,
		"old:" + Channel:      true,
	}
	if len(b.channels) != len(want) {
		t.Fatalf("channels = %v, want 3 unique", b.channels)
	}
	for _, ch := range b.channels {
		if !want[ch] {
			t.Errorf("unexpected channel %q", ch)
		}
	}
}

func TestPeerEventIsDispatched(t *testing.T) {
	ctx := context.Background()
	receiver, mr := setupBus(t, nil)
	sender := New(
		goredis.NewClient(&goredis.Options{Addr: mr.Addr()}),
		goredis.NewClient(&goredis.Options{Addr: mr.Addr()}),
		nil, nil, logr.Discard(),
	)

	var col eventCollector
	receiver.Subscribe(col.handle)
	if err := receiver.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer receiver.Close()

	sender.Publish(ctx, "aaaabbbbccccddddaaaabbbbccccdddd", ActionUpdate)

	events := col.wait(t, 1)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Token != "aaaabbbbccccddddaaaabbbbccccdddd" {
		t.Errorf("token = %q", ev.Token)
	}
	if ev.Action != ActionUpdate {
		t.Errorf("action = %q, want update", ev.Action)
	}
	if ev.InstanceID != sender.InstanceID() {
		t.Errorf("instanceId = %q, want sender's", ev.InstanceID)
	}
	if ev.Timestamp == 0 {
		t.Error("timestamp not set")
	}
}

func TestOwnEventsAreIgnored(t *testing.T) {
	ctx := context.Background()
	b, _ := setupBus(t, nil)

	var col eventCollector
	b.Subscribe(col.handle)
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Close()

	b.Publish(ctx, "aaaabbbbccccddddaaaabbbbccccdddd", ActionDelete)

	// Give delivery a moment; nothing should arrive.
	time.Sleep(200 * time.Millisecond)
	if events := col.wait(t, 0); len(events) != 0 {
		t.Errorf("own event was dispatched: %v", events)
	}
}

func TestPublishCoversAllPrefixVariants(t *testing.T) {
	ctx := context.Background()
	sender, mr := setupBus(t, []string{"sublingo:"})

	// A legacy peer subscribed under the prefixed channel name.
	legacy := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = legacy.Close() })
	ps := legacy.Subscribe(ctx, "sublingo:"+Channel)
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatal(err)
	}
	defer ps.Close()

	sender.Publish(ctx, "aaaabbbbccccddddaaaabbbbccccdddd", ActionUpdate)

	select {
	case msg := <-ps.Channel():
		if msg.Channel != "sublingo:"+Channel {
			t.Errorf("channel = %q", msg.Channel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event on the prefixed channel variant")
	}
}

func TestPublishFailureDoesNotPanic(t *testing.T) {
	ctx := context.Background()
	b, mr := setupBus(t, nil)
	mr.Close()

	// All attempts fail; Publish logs and returns without surfacing an
	// error to the write path.
	b.Publish(ctx, "aaaabbbbccccddddaaaabbbbccccdddd", ActionUpdate)
}

func TestStartTwiceFails(t *testing.T) {
	ctx := context.Background()
	b, _ := setupBus(t, nil)
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if err := b.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}
}
