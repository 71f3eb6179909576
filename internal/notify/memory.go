// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"context"
	"sync"
)

// subscriberBuffer bounds how many pending payloads a slow subscriber
// can hold before new publishes to it are dropped, matching the
// best-effort delivery contract.
const subscriberBuffer = 32

// MemoryBus is an in-process Bus used by the memory store backend and
// by tests. It never touches the network.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[int]chan string
	next int
}

// NewMemoryBus creates an empty in-process notification bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]chan string)}
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan string)
	}
	id := b.next
	b.next++
	ch := make(chan string, subscriberBuffer)
	b.subs[topic][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if m, ok := b.subs[topic]; ok {
			if c, ok := m[id]; ok {
				delete(m, id)
				close(c)
			}
		}
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return &Subscription{C: ch, Cancel: cancel}, nil
}

// Publish implements Bus. It never blocks: a subscriber whose buffer is
// full simply misses the payload.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Close implements Bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, m := range b.subs {
		for id, ch := range m {
			close(ch)
			delete(m, id)
		}
		delete(b.subs, topic)
	}
	return nil
}
