package services

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ticket-queue/config"
	"ticket-queue/models"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		ActiveCapacityPerEvent: 10,
		SessionTTL:             5 * time.Minute,
		WaitPerPosition:        30 * time.Second,
		SeatLockTTL:            10 * time.Minute,
		TicketLockTTL:          10 * time.Second,
		ReservationTTL:         15 * time.Minute,
		MaxSeatsPerReservation: 4,
		SweepBatchSize:         100,
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testStart}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memQueue applies each operation atomically under one mutex, like a single Lua script.
type memQueue struct {
	mu      sync.Mutex
	clock   *testClock
	active  map[string]map[string]time.Time
	waiting map[string][]string
	err     error
}

func newMemQueue(clock *testClock) *memQueue {
	return &memQueue{
		clock:   clock,
		active:  make(map[string]map[string]time.Time),
		waiting: make(map[string][]string),
	}
}

func (q *memQueue) activeOf(eventID string) map[string]time.Time {
	a, ok := q.active[eventID]
	if !ok {
		a = make(map[string]time.Time)
		q.active[eventID] = a
	}
	return a
}

func (q *memQueue) position(eventID, userID string) int {
	for i, u := range q.waiting[eventID] {
		if u == userID {
			return i + 1
		}
	}
	return 0
}

func (q *memQueue) promote(eventID string, capacity int, ttl time.Duration) []string {
	active := q.activeOf(eventID)
	var promoted []string
	for len(active) < capacity && len(q.waiting[eventID]) > 0 {
		next := q.waiting[eventID][0]
		q.waiting[eventID] = q.waiting[eventID][1:]
		active[next] = q.clock.Now().Add(ttl)
		promoted = append(promoted, next)
	}
	return promoted
}

func (q *memQueue) CheckIn(_ context.Context, eventID, userID string, capacity int, ttl time.Duration) (models.CheckInResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return models.CheckInResult{}, q.err
	}

	now := q.clock.Now()
	active := q.activeOf(eventID)
	res := models.CheckInResult{Capacity: capacity}

	if exp, ok := active[userID]; ok {
		if exp.After(now) {
			res.Admitted = true
			res.ActiveCount = len(active)
			return res, nil
		}
		delete(active, userID)
		res.Promoted = q.promote(eventID, capacity, ttl)
	}

	if pos := q.position(eventID, userID); pos > 0 {
		res.Position = pos
		res.QueueSize = len(q.waiting[eventID])
		res.ActiveCount = len(active)
		return res, nil
	}

	if len(q.waiting[eventID]) == 0 && len(active) < capacity {
		active[userID] = now.Add(ttl)
		res.Admitted = true
		res.ActiveCount = len(active)
		return res, nil
	}

	q.waiting[eventID] = append(q.waiting[eventID], userID)
	res.Position = len(q.waiting[eventID])
	res.QueueSize = len(q.waiting[eventID])
	res.ActiveCount = len(active)
	return res, nil
}

func (q *memQueue) Leave(_ context.Context, eventID, userID string, capacity int, ttl time.Duration) (models.LeaveResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return models.LeaveResult{}, q.err
	}

	var res models.LeaveResult
	active := q.activeOf(eventID)
	if _, ok := active[userID]; ok {
		delete(active, userID)
		res.WasActive = true
	}
	if pos := q.position(eventID, userID); pos > 0 {
		w := q.waiting[eventID]
		q.waiting[eventID] = append(w[:pos-1:pos-1], w[pos:]...)
		res.WasQueued = true
	}
	res.Promoted = q.promote(eventID, capacity, ttl)
	return res, nil
}

func (q *memQueue) Status(_ context.Context, eventID, userID string) (models.QueueStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return models.QueueStatus{}, q.err
	}

	if exp, ok := q.activeOf(eventID)[userID]; ok && exp.After(q.clock.Now()) {
		return models.QueueStatus{Status: models.QueueStateActive, ExpiresAt: &exp}, nil
	}
	if pos := q.position(eventID, userID); pos > 0 {
		return models.QueueStatus{Status: models.QueueStateQueued, Position: pos, QueueSize: len(q.waiting[eventID])}, nil
	}
	return models.QueueStatus{Status: models.QueueStateNone}, nil
}

func (q *memQueue) Sweep(_ context.Context, eventID string, capacity int, ttl time.Duration) (models.SweepResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return models.SweepResult{}, q.err
	}

	var res models.SweepResult
	now := q.clock.Now()
	active := q.activeOf(eventID)
	for userID, exp := range active {
		if !exp.After(now) {
			delete(active, userID)
			res.Expired = append(res.Expired, userID)
		}
	}
	sort.Strings(res.Expired)
	res.Promoted = q.promote(eventID, capacity, ttl)
	return res, nil
}

func (q *memQueue) Clear(_ context.Context, eventID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	delete(q.active, eventID)
	delete(q.waiting, eventID)
	return nil
}

func (q *memQueue) Waiting(_ context.Context, eventID string) ([]models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}

	entries := make([]models.QueueEntry, 0, len(q.waiting[eventID]))
	for i, userID := range q.waiting[eventID] {
		entries = append(entries, models.QueueEntry{EventID: eventID, UserID: userID, Position: i + 1})
	}
	return entries, nil
}

func (q *memQueue) Counts(_ context.Context, eventID string) (int, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return 0, 0, q.err
	}
	return len(q.active[eventID]), len(q.waiting[eventID]), nil
}

func (q *memQueue) Events(context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}

	seen := make(map[string]bool)
	for eventID, a := range q.active {
		if len(a) > 0 {
			seen[eventID] = true
		}
	}
	for eventID, w := range q.waiting {
		if len(w) > 0 {
			seen[eventID] = true
		}
	}
	events := make([]string, 0, len(seen))
	for eventID := range seen {
		events = append(events, eventID)
	}
	sort.Strings(events)
	return events, nil
}

// memLocks mirrors the lock scripts: holder-checked, TTL-bounded, reentrant.
type memLocks struct {
	mu       sync.Mutex
	clock    *testClock
	locks    map[string]models.SeatLock
	released []string
	err      error
}

func newMemLocks(clock *testClock) *memLocks {
	return &memLocks{clock: clock, locks: make(map[string]models.SeatLock)}
}

func (l *memLocks) Acquire(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}

	now := l.clock.Now()
	if cur, ok := l.locks[key]; ok && cur.ExpiresAt.After(now) && cur.Holder != holder {
		return false, nil
	}
	l.locks[key] = models.SeatLock{Key: key, Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (l *memLocks) Release(_ context.Context, key, holder string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}

	cur, ok := l.locks[key]
	if !ok || cur.Holder != holder {
		return false, nil
	}
	delete(l.locks, key)
	l.released = append(l.released, key)
	return true, nil
}

func (l *memLocks) Get(_ context.Context, key string) (*models.SeatLock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}

	cur, ok := l.locks[key]
	if !ok || !cur.ExpiresAt.After(l.clock.Now()) {
		return nil, nil
	}
	return &cur, nil
}

func (l *memLocks) SweepExpired(_ context.Context, limit int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return 0, l.err
	}

	now := l.clock.Now()
	n := 0
	for key, cur := range l.locks {
		if n >= limit {
			break
		}
		if !cur.ExpiresAt.After(now) {
			delete(l.locks, key)
			n++
		}
	}
	return n, nil
}

func (l *memLocks) Released() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.released...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []models.QueueMessage
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, msg models.QueueMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recordingNotifier) ofType(t models.MessageType) []models.QueueMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.QueueMessage
	for _, m := range r.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (r *recordingNotifier) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = nil
}

type sessionCall struct {
	EventID string
	UserID  string
}

type recordingSessions struct {
	mu    sync.Mutex
	calls []sessionCall
}

func (r *recordingSessions) Leave(_ context.Context, eventID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sessionCall{EventID: eventID, UserID: userID})
	return nil
}

func (r *recordingSessions) Calls() []sessionCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sessionCall(nil), r.calls...)
}
