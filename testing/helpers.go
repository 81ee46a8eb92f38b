// Package testing provides test utilities for rill-based applications.
//
// MockStore wraps a real rill.Store (usually the memory provider), records
// every call, and injects failures or holds calls open so tests can drive
// races between fetches, writes, and change events deterministically.
//
// Example usage:
//
//	func TestRefetchError(t *testing.T) {
//		store := rilltesting.NewMockStore(t, memory.New())
//		store.Fail(rilltesting.OpRead).WithError(errors.New("offline")).Times(1)
//
//		client, _ := rill.New(store)
//		q := client.Query(rill.QuerySpec{Collection: "tasks"})
//		_ = q.Start(ctx)
//
//		if q.Snapshot().Err == nil {
//			t.Fatal("expected error")
//		}
//		store.AssertCalled(rilltesting.OpRead, 1)
//	}
package testing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/rill"
)

// Store operations recorded by MockStore.
const (
	OpRead      = "read"
	OpInsert    = "insert"
	OpUpdate    = "update"
	OpDelete    = "delete"
	OpSubscribe = "subscribe"
)

// MockCall is one recorded call on a MockStore.
type MockCall struct {
	Op         string
	Collection string
	Request    rill.ReadRequest
	Row        rill.Row
	Where      []rill.Predicate
	Channel    string
}

// fault is a configured failure for one operation.
type fault struct {
	err         error
	times       int // -1 for any
	actualCalls int
}

// MockStore is a rill.Store that delegates to an inner store.
type MockStore struct {
	t     *testing.T
	inner rill.Store

	mu     sync.Mutex
	calls  []MockCall
	faults map[string][]*fault
	gates  map[string]chan struct{}
}

// NewMockStore wraps inner.
func NewMockStore(t *testing.T, inner rill.Store) *MockStore {
	return &MockStore{
		t:      t,
		inner:  inner,
		faults: make(map[string][]*fault),
		gates:  make(map[string]chan struct{}),
	}
}

// FaultBuilder configures a failure.
type FaultBuilder struct {
	f *fault
}

// Fail queues a failure for op. Without WithError it fails with context.DeadlineExceeded.
func (m *MockStore) Fail(op string) *FaultBuilder {
	f := &fault{err: context.DeadlineExceeded, times: 1}
	m.mu.Lock()
	m.faults[op] = append(m.faults[op], f)
	m.mu.Unlock()
	return &FaultBuilder{f: f}
}

// WithError sets the error returned.
func (b *FaultBuilder) WithError(err error) *FaultBuilder {
	b.f.err = err
	return b
}

// Times sets how many calls fail.
func (b *FaultBuilder) Times(n int) *FaultBuilder {
	b.f.times = n
	return b
}

// AnyTimes fails every call until Reset.
func (b *FaultBuilder) AnyTimes() *FaultBuilder {
	b.f.times = -1
	return b
}

// Hold blocks calls of op until the returned release is called. A held call
// also returns early if its context ends.
func (m *MockStore) Hold(op string) (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gates[op] = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.gates[op] == gate {
				delete(m.gates, op)
			}
			m.mu.Unlock()
			close(gate)
		})
	}
}

// Read records the call and delegates.
func (m *MockStore) Read(ctx context.Context, req rill.ReadRequest) ([]rill.Row, error) {
	if err := m.enter(ctx, MockCall{Op: OpRead, Collection: req.Collection, Request: req}); err != nil {
		return nil, err
	}
	return m.inner.Read(ctx, req)
}

// Insert records the call and delegates.
func (m *MockStore) Insert(ctx context.Context, collection string, row rill.Row) (rill.Row, error) {
	if err := m.enter(ctx, MockCall{Op: OpInsert, Collection: collection, Row: row.Clone()}); err != nil {
		return nil, err
	}
	return m.inner.Insert(ctx, collection, row)
}

// Update records the call and delegates.
func (m *MockStore) Update(ctx context.Context, collection string, patch rill.Row, where []rill.Predicate) (rill.Row, error) {
	if err := m.enter(ctx, MockCall{Op: OpUpdate, Collection: collection, Row: patch.Clone(), Where: where}); err != nil {
		return nil, err
	}
	return m.inner.Update(ctx, collection, patch, where)
}

// Delete records the call and delegates.
func (m *MockStore) Delete(ctx context.Context, collection string, where []rill.Predicate) (int64, error) {
	if err := m.enter(ctx, MockCall{Op: OpDelete, Collection: collection, Where: where}); err != nil {
		return 0, err
	}
	return m.inner.Delete(ctx, collection, where)
}

// Subscribe records the call and delegates.
func (m *MockStore) Subscribe(ctx context.Context, collection, channel string) (rill.Subscription, error) {
	if err := m.enter(ctx, MockCall{Op: OpSubscribe, Collection: collection, Channel: channel}); err != nil {
		return nil, err
	}
	return m.inner.Subscribe(ctx, collection, channel)
}

// enter records call, waits on any gate for its op, and applies faults.
func (m *MockStore) enter(ctx context.Context, call MockCall) error {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	gate := m.gates[call.Op]
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.faults[call.Op]
	if len(queue) == 0 {
		return nil
	}
	f := queue[0]
	f.actualCalls++
	if f.times != -1 && f.actualCalls >= f.times {
		m.faults[call.Op] = queue[1:]
	}
	return f.err
}

// Calls returns all recorded calls.
func (m *MockStore) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// CallCount returns the number of calls of op.
func (m *MockStore) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// LastCall returns the most recent call of op.
func (m *MockStore) LastCall(op string) (MockCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.calls) - 1; i >= 0; i-- {
		if m.calls[i].Op == op {
			return m.calls[i], true
		}
	}
	return MockCall{}, false
}

// Reset clears faults and recorded calls. Held gates stay until released.
func (m *MockStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.faults = make(map[string][]*fault)
}

// AssertCalled verifies op was called exactly n times.
func (m *MockStore) AssertCalled(op string, n int) {
	m.t.Helper()
	if got := m.CallCount(op); got != n {
		m.t.Errorf("expected %d %s calls, got %d", n, op, got)
	}
}

// WaitFor blocks until cond holds, re-checking on every signal from updates,
// and fails the test after timeout.
func WaitFor(t *testing.T, updates <-chan struct{}, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for !cond() {
		select {
		case <-updates:
		case <-tick.C:
		case <-deadline.C:
			if !cond() {
				t.Fatalf("condition not met within %s", timeout)
			}
			return
		}
	}
}

var _ rill.Store = (*MockStore)(nil)
