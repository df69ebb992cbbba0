// Package memory implements the cache-layer interfaces in process for
// single-node demo runs and tests.
package memory

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/fusemargin/internal/domain"
)

// LockManager implements domain.LockManager with expiring map entries.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]lockEntry
	seq   uint64
	now   func() time.Time
}

type lockEntry struct {
	token   uint64
	expires time.Time
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]lockEntry), now: time.Now}
}

// Acquire takes key for ttl. The unlock func only releases the lock while
// it still belongs to this caller.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	if held, ok := lm.locks[key]; ok && now.Before(held.expires) {
		return nil, fmt.Errorf("memory: acquire lock %s: %w", key, domain.ErrLockHeld)
	}
	lm.seq++
	token := lm.seq
	lm.locks[key] = lockEntry{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if held, ok := lm.locks[key]; ok && held.token == token {
				delete(lm.locks, key)
			}
		})
	}, nil
}

// RateLimiter implements domain.RateLimiter as a sliding window log.
type RateLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{hits: make(map[string][]time.Time), now: time.Now}
}

func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-window)
	kept := rl.hits[key][:0]
	for _, t := range rl.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		rl.hits[key] = kept
		return false, nil
	}
	rl.hits[key] = append(kept, now)
	return true, nil
}

// EventBus implements domain.EventBus. Channels accept the same glob
// patterns as redis PSUBSCRIBE; streams keep the last streamMaxLen entries.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	nextSub int
	streams map[string][]domain.StreamMessage
	seq     map[string]uint64
}

type subscriber struct {
	pattern string
	ch      chan []byte
}

const (
	streamMaxLen = 10000
	subBuffer    = 128
)

// NewEventBus creates an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:    make(map[int]subscriber),
		streams: make(map[string][]domain.StreamMessage),
		seq:     make(map[string]uint64),
	}
}

// Publish delivers payload to every matching subscriber. A subscriber whose
// buffer is full misses the message.
func (b *EventBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel that closes when ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if _, err := path.Match(channel, ""); err != nil {
		return nil, fmt.Errorf("memory: subscribe %s: %w", channel, err)
	}
	ch := make(chan []byte, subBuffer)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = subscriber{pattern: channel, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (b *EventBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq[stream]++
	id := strconv.FormatUint(b.seq[stream], 10) + "-0"
	entries := append(b.streams[stream], domain.StreamMessage{ID: id, Payload: payload})
	if len(entries) > streamMaxLen {
		entries = entries[len(entries)-streamMaxLen:]
	}
	b.streams[stream] = entries
	return nil
}

// StreamRead returns up to count entries with an ID after lastID. IDs are
// "<seq>-0"; "0" reads from the start.
func (b *EventBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := streamSeq(lastID)
	if err != nil {
		return nil, fmt.Errorf("memory: stream read %s: %w", stream, err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		seq, _ := streamSeq(m.ID)
		if seq <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

func streamSeq(id string) (uint64, error) {
	if id == "" || id == "0" {
		return 0, nil
	}
	head, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stream id %q: %w", id, domain.ErrInvalidParams)
	}
	return n, nil
}

var (
	_ domain.LockManager = (*LockManager)(nil)
	_ domain.RateLimiter = (*RateLimiter)(nil)
	_ domain.EventBus    = (*EventBus)(nil)
)
