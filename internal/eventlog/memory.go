package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// MemoryLog is an in-process Log with the consumer-group semantics of Redis streams. It backs standalone mode and
// tests; nothing it holds survives the process.
type MemoryLog struct {
	clock clock.Clock

	mu      sync.Mutex
	streams map[string]*memStream
	kv      map[string]string
	changed chan struct{}
	closed  bool
}

type memStream struct {
	entries []Entry
	lastMs  uint64
	lastSeq uint64
	groups  map[string]*memGroup
}

type memGroup struct {
	lastDelivered string
	pending       map[string]*pendingEntry
}

type pendingEntry struct {
	consumer  string
	delivered time.Time
}

func NewMemoryLog() *MemoryLog {
	return NewMemoryLogWithClock(clock.RealClock{})
}

func NewMemoryLogWithClock(c clock.Clock) *MemoryLog {
	return &MemoryLog{
		clock:   c,
		streams: map[string]*memStream{},
		kv:      map[string]string{},
		changed: make(chan struct{}),
	}
}

func (l *MemoryLog) Append(ctx context.Context, stream string, values map[string]string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkLocked(ctx); err != nil {
		return "", err
	}
	id := l.appendLocked(stream, values)
	l.notifyLocked()
	return id, nil
}

func (l *MemoryLog) Write(ctx context.Context, batch *Batch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkLocked(ctx); err != nil {
		return err
	}
	for _, a := range batch.appends {
		l.appendLocked(a.stream, a.values)
	}
	for _, kv := range batch.sets {
		l.kv[kv[0]] = kv[1]
	}
	if batch.Appends() > 0 {
		l.notifyLocked()
	}
	return nil
}

func (l *MemoryLog) appendLocked(stream string, values map[string]string) string {
	s := l.streamLocked(stream)
	ms := uint64(l.clock.Now().UnixMilli())
	if ms > s.lastMs {
		s.lastMs, s.lastSeq = ms, 0
	} else {
		s.lastSeq++
	}
	id := FormatID(s.lastMs, s.lastSeq)
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	s.entries = append(s.entries, Entry{ID: id, Values: copied})
	return id
}

func (l *MemoryLog) streamLocked(stream string) *memStream {
	s, ok := l.streams[stream]
	if !ok {
		s = &memStream{groups: map[string]*memGroup{}}
		l.streams[stream] = s
	}
	return s
}

func (l *MemoryLog) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *MemoryLog) checkLocked(ctx context.Context) error {
	if l.closed {
		return errors.New("log closed")
	}
	return ctx.Err()
}

func (l *MemoryLog) Len(ctx context.Context, stream string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkLocked(ctx); err != nil {
		return 0, err
	}
	s, ok := l.streams[stream]
	if !ok {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

func (l *MemoryLog) EnsureGroup(ctx context.Context, stream, group, start string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkLocked(ctx); err != nil {
		return err
	}
	s := l.streamLocked(stream)
	if _, ok := s.groups[group]; ok {
		return nil
	}
	switch start {
	case "$":
		start = FormatID(s.lastMs, s.lastSeq)
	case Beginning:
		start = "0-0"
	default:
		if _, _, err := ParseID(start); err != nil {
			return err
		}
	}
	s.groups[group] = &memGroup{lastDelivered: start, pending: map[string]*pendingEntry{}}
	return nil
}

func (l *MemoryLog) ReadGroup(
	ctx context.Context,
	stream, group, consumer, start string,
	count int64,
	block time.Duration,
) ([]Entry, error) {
	var deadline <-chan time.Time
	for {
		l.mu.Lock()
		if err := l.checkLocked(ctx); err != nil {
			l.mu.Unlock()
			return nil, err
		}
		s, ok := l.streams[stream]
		var g *memGroup
		if ok {
			g = s.groups[group]
		}
		if g == nil {
			l.mu.Unlock()
			return nil, errors.Wrapf(ErrNoGroup, "%s on %s", group, stream)
		}
		if start != NewEntries {
			entries := l.pendingLocked(s, g, consumer, start, count)
			l.mu.Unlock()
			return entries, nil
		}
		entries := l.deliverLocked(s, g, consumer, count)
		changed := l.changed
		l.mu.Unlock()
		if len(entries) > 0 || block <= 0 {
			return entries, nil
		}

		if deadline == nil {
			deadline = l.clock.After(block)
		}
		select {
		case <-changed:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *MemoryLog) pendingLocked(s *memStream, g *memGroup, consumer, after string, count int64) []Entry {
	var ids []string
	for id, p := range g.pending {
		if p.consumer == consumer && CompareIDs(id, after) > 0 {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	if count > 0 && int64(len(ids)) > count {
		ids = ids[:count]
	}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e, ok := s.find(id)
		if !ok {
			// Deleted while pending: Redis reports the id with no fields.
			e = Entry{ID: id}
		}
		entries = append(entries, e)
	}
	return entries
}

func (l *MemoryLog) deliverLocked(s *memStream, g *memGroup, consumer string, count int64) []Entry {
	var entries []Entry
	now := l.clock.Now()
	for _, e := range s.entries {
		if count > 0 && int64(len(entries)) >= count {
			break
		}
		if CompareIDs(e.ID, g.lastDelivered) <= 0 {
			continue
		}
		g.pending[e.ID] = &pendingEntry{consumer: consumer, delivered: now}
		g.lastDelivered = e.ID
		entries = append(entries, e)
	}
	return entries
}

func (s *memStream) find(id string) (Entry, bool) {
	i := sort.Search(len(s.entries), func(i int) bool { return CompareIDs(s.entries[i].ID, id) >= 0 })
	if i < len(s.entries) && s.entries[i].ID == id {
		return s.entries[i], true
	}
	return Entry{}, false
}

func (l *MemoryLog) AutoClaim(
	ctx context.Context,
	stream, group, consumer string,
	minIdle time.Duration,
	start string,
	count int64,
) ([]Entry, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkLocked(ctx); err != nil {
		return nil, "", err
	}
	s, ok := l.streams[stream]
	if !ok || s.groups[group] == nil {
		return nil, "", errors.Wrapf(ErrNoGroup, "%s on %s", group, stream)
	}
	g := s.groups[group]
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		if CompareIDs(id, start) >= 0 {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)

	now := l.clock.Now()
	var claimed []Entry
	for i, id := range ids {
		if count > 0 && int64(len(claimed)) >= count {
			return claimed, ids[i], nil
		}
		p := g.pending[id]
		if now.Sub(p.delivered) < minIdle {
			continue
		}
		e, ok := s.find(id)
		if !ok {
			delete(g.pending, id)
			continue
		}
		p.consumer = consumer
		p.delivered = now
		claimed = append(claimed, e)
	}
	return claimed, "0-0", nil
}

func (l *MemoryLog) Ack(ctx context.Context, stream, group string, ids ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkLocked(ctx); err != nil {
		return err
	}
	if s, ok := l.streams[stream]; ok {
		if g, ok := s.groups[group]; ok {
			for _, id := range ids {
				delete(g.pending, id)
			}
		}
	}
	return nil
}

func (l *MemoryLog) AckDelete(ctx context.Context, stream, group string, ids ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkLocked(ctx); err != nil {
		return err
	}
	s, ok := l.streams[stream]
	if !ok {
		return nil
	}
	remove := make(map[string]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
		if g, ok := s.groups[group]; ok {
			delete(g.pending, id)
		}
	}
	kept := s.entries[:0]
	for _, e := range s.entries {
		if !remove[e.ID] {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return nil
}

func (l *MemoryLog) TrimMinID(ctx context.Context, stream, minID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkLocked(ctx); err != nil {
		return err
	}
	s, ok := l.streams[stream]
	if !ok {
		return nil
	}
	i := sort.Search(len(s.entries), func(i int) bool { return CompareIDs(s.entries[i].ID, minID) >= 0 })
	s.entries = append([]Entry(nil), s.entries[i:]...)
	return nil
}

func (l *MemoryLog) Get(ctx context.Context, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkLocked(ctx); err != nil {
		return "", false, err
	}
	v, ok := l.kv[key]
	return v, ok, nil
}

func (l *MemoryLog) MGet(ctx context.Context, keys ...string) ([]*string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkLocked(ctx); err != nil {
		return nil, err
	}
	values := make([]*string, len(keys))
	for i, k := range keys {
		if v, ok := l.kv[k]; ok {
			values[i] = &v
		}
	}
	return values, nil
}

func (l *MemoryLog) Set(ctx context.Context, key, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkLocked(ctx); err != nil {
		return err
	}
	l.kv[key] = value
	return nil
}

func (l *MemoryLog) Del(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkLocked(ctx); err != nil {
		return err
	}
	delete(l.kv, key)
	return nil
}

// Entries returns a copy of the entries currently held by stream.
func (l *MemoryLog) Entries(stream string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[stream]
	if !ok {
		return nil
	}
	return append([]Entry(nil), s.entries...)
}

// Pending returns the number of entries delivered to group and not yet acknowledged.
func (l *MemoryLog) Pending(stream, group string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[stream]
	if !ok || s.groups[group] == nil {
		return 0
	}
	return len(s.groups[group].pending)
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		l.notifyLocked()
	}
	return nil
}

func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return CompareIDs(ids[i], ids[j]) < 0 })
}
