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
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tombee/taskflow/internal/log"
)

// PostgresBus listens for Postgres NOTIFY messages on a dedicated
// connection and fans them out to local subscribers. The store issues
// pg_notify(topic, payload) inside the same transaction as the state
// change it announces, which database/sql cannot observe — this is why
// the store is built on pgx/v5 rather than database/sql, and why a
// dedicated listener connection (not pooled) is required here: LISTEN
// is session-scoped in Postgres.
type PostgresBus struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[string]map[int]chan string
	next    int
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPostgresBus starts the listener loop against pool and returns the
// running bus. Call Close to stop it.
func NewPostgresBus(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PostgresBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	listenCtx, cancel := context.WithCancel(ctx)

	b := &PostgresBus{
		pool:   pool,
		logger: log.WithComponent(logger, "notify.postgres"),
		subs:   make(map[string]map[int]chan string),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	conn, err := pool.Acquire(listenCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("acquire listener connection: %w", err)
	}

	go b.listenLoop(listenCtx, conn)

	return b, nil
}

func (b *PostgresBus) listenLoop(ctx context.Context, conn *pgxpool.Conn) {
	defer close(b.done)
	defer conn.Release()

	b.mu.Lock()
	topics := make([]string, 0, len(b.subs))
	for t := range b.subs {
		topics = append(topics, t)
	}
	b.mu.Unlock()
	for _, t := range topics {
		b.listenTopic(ctx, conn, t)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("wait for notification failed", log.Error(err))
			return
		}
		b.dispatch(notification.Channel, notification.Payload)
	}
}

func (b *PostgresBus) listenTopic(ctx context.Context, conn *pgxpool.Conn, topic string) {
	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", quoteIdent(topic))); err != nil {
		b.logger.Error("listen failed", slog.String(log.TopicKey, topic), log.Error(err))
	}
}

func (b *PostgresBus) dispatch(topic, payload string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Subscribe implements Bus. The first subscriber to a topic issues a
// LISTEN for it on the dedicated connection.
func (b *PostgresBus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	b.mu.Lock()
	isNewTopic := b.subs[topic] == nil
	if isNewTopic {
		b.subs[topic] = make(map[int]chan string)
	}
	id := b.next
	b.next++
	ch := make(chan string, subscriberBuffer)
	b.subs[topic][id] = ch
	b.mu.Unlock()

	if isNewTopic {
		conn, err := b.pool.Acquire(ctx)
		if err == nil {
			if _, execErr := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", quoteIdent(topic))); execErr != nil {
				b.logger.Error("listen failed", slog.String(log.TopicKey, topic), log.Error(execErr))
			}
			conn.Release()
		}
	}

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

// Publish issues pg_notify directly, for callers outside an existing
// store transaction (e.g. an admin CLI forcing a wake-up).
func (b *PostgresBus) Publish(ctx context.Context, topic string, payload string) error {
	_, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", topic, payload)
	return err
}

// Close stops the listener loop and releases all subscriber channels.
func (b *PostgresBus) Close() error {
	b.cancel()
	<-b.done

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

// quoteIdent double-quotes a Postgres identifier for use in LISTEN,
// which does not accept parameter placeholders. Topic names in this
// codebase are restricted to [a-z0-9_] by construction (job ids and
// executor ids are uuids), so this is a defensive escape rather than a
// general-purpose SQL identifier quoter.
func quoteIdent(ident string) string {
	return `"` + ident + `"`
}
