// Package events is the ledger's notification log.
//
// It supports:
// - Recording Submitted and TrendComputed notifications
// - Emitting structured output via logrus
// - Keeping an in-memory history with bounded size and TTL retention
// - Querying recent history (Tail, Since, ByOwner)
// - Push delivery to in-process subscribers over buffered channels
//
// New starts a background cleanup goroutine that periodically
// removes expired entries. Call Stop to terminate it.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-ledger/pkg/auth"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

const (
	cleanupInterval   = 1 * time.Hour
	defaultRetention  = 3 * 24 * time.Hour
	defaultMaxEntries = 10000
	defaultSubBuffer  = 64
)

// Config configures a Log.
type Config struct { // AC
	Logger     *logrus.Logger
	Clock      auth.Clock
	Retention  time.Duration
	MaxEntries int
}

// Log stores notifications in memory, outputs them to
// logrus, and pushes them to subscribers.
type Log struct { // AC
	log        *logrus.Logger
	clock      auth.Clock
	retention  time.Duration
	maxEntries int

	mu          sync.RWMutex
	seq         uint64
	entries     []Event
	subscribers map[uint64]chan Event
	nextSub     uint64
	dropped     uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Log and starts the background TTL
// cleanup goroutine.
func New(cfg Config) *Log { // H
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = auth.SystemClock()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	l := &Log{
		log:         cfg.Logger,
		clock:       cfg.Clock,
		retention:   cfg.Retention,
		maxEntries:  cfg.MaxEntries,
		entries:     make([]Event, 0),
		subscribers: make(map[uint64]chan Event),
		stopCh:      make(chan struct{}),
	}
	l.wg.Add(1)
	go l.cleanupLoop()
	return l
}

// Stop terminates the cleanup goroutine and closes every
// subscriber channel.
func (l *Log) Stop() { // H
	close(l.stopCh)
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, ch := range l.subscribers {
		close(ch)
		delete(l.subscribers, id)
	}
}

// Submitted records that owner stored a record for
// period.
func (l *Log) Submitted( // AC
	ctx context.Context,
	owner types.Principal,
	period types.Period,
	at time.Time,
) Event {
	return l.emit(ctx, Event{
		Kind:      KindSubmitted,
		Timestamp: at,
		Owner:     owner,
		Period:    period,
	})
}

// TrendComputed records that a derived handle was issued
// to owner.
func (l *Log) TrendComputed( // AC
	ctx context.Context,
	owner types.Principal,
	period types.Period,
	result types.Handle,
	op string,
) Event {
	return l.emit(ctx, Event{
		Kind:      KindTrendComputed,
		Timestamp: l.clock.Now(),
		Owner:     owner,
		Period:    period,
		ResultTag: result.Tag(),
		Op:        op,
	})
}

// AdminChanged records an administrative action taken by
// caller.
func (l *Log) AdminChanged( // AC
	ctx context.Context,
	caller types.Principal,
	op string,
) Event {
	return l.emit(ctx, Event{
		Kind:      KindAdminChanged,
		Timestamp: l.clock.Now(),
		Owner:     caller,
		Op:        op,
	})
}

// emit assigns the sequence number, stores the event and
// pushes it to subscribers. Slow subscribers lose events
// rather than block the ledger.
func (l *Log) emit( // AC
	_ context.Context,
	ev Event,
) Event {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.clock.Now()
	}

	l.mu.Lock()
	l.seq++
	ev.Seq = l.seq
	l.entries = append(l.entries, ev)
	if over := len(l.entries) - l.maxEntries; over > 0 {
		l.entries = append(l.entries[:0], l.entries[over:]...)
	}
	var dropped int
	for _, ch := range l.subscribers {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	l.dropped += uint64(dropped)
	subs := len(l.subscribers)
	l.mu.Unlock()

	fields := logrus.Fields{
		keyKind:   ev.Kind,
		keySeq:    ev.Seq,
		keyOwner:  ev.Owner.String(),
		keyPeriod: ev.Period,
		keySubs:   subs,
	}
	if ev.ResultTag != "" {
		fields[keyResult] = ev.ResultTag
	}
	if ev.Op != "" {
		fields[keyOp] = ev.Op
	}
	if dropped > 0 {
		fields[keyDrops] = dropped
	}
	l.log.WithFields(fields).Info("ledger event")
	return ev
}

// Subscribe returns a channel receiving every event
// emitted from now on and a function that cancels the
// subscription. buffer <= 0 selects a default.
func (l *Log) Subscribe( // AC
	buffer int,
) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubBuffer
	}
	ch := make(chan Event, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subscribers[id] = ch
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if c, ok := l.subscribers[id]; ok {
				close(c)
				delete(l.subscribers, id)
			}
		})
	}
	return ch, cancel
}

// Tail returns the most recent limit events.
func (l *Log) Tail( // AC
	limit int,
) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, limit)
	copy(out, l.entries[n-limit:])
	return out
}

// Since returns every retained event with a sequence
// number greater than seq.
func (l *Log) Since( // AC
	seq uint64,
) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for i := range l.entries {
		if l.entries[i].Seq > seq {
			out = append(out, l.entries[i])
		}
	}
	return out
}

// ByOwner returns the events of one principal since the
// given time.
func (l *Log) ByOwner( // AC
	owner types.Principal,
	since time.Time,
) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for i := range l.entries {
		e := &l.entries[i]
		if e.Owner == owner &&
			!e.Timestamp.Before(since) {
			out = append(out, *e)
		}
	}
	return out
}

// Dropped returns how many deliveries were skipped
// because a subscriber buffer was full.
func (l *Log) Dropped() uint64 { // AC
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dropped
}

// cleanupLoop periodically removes expired entries.
func (l *Log) cleanupLoop() { // AC
	defer l.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

// cleanup removes entries whose retention has expired.
func (l *Log) cleanup() { // AC
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[:0]
	for i := range l.entries {
		if !l.entries[i].isExpired(now, l.retention) {
			kept = append(kept, l.entries[i])
		}
	}
	l.entries = kept
}
