package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/shelfsync/internal/model"
	"github.com/njoerd114/shelfsync/internal/remote"
	"github.com/njoerd114/shelfsync/internal/state"
)

// --- Mock Remote Inventory ---------------------------------------------------

type mockRemote struct {
	mu      sync.Mutex
	records map[string]model.RemoteRecord
	nextID  int
	calls   []string

	// Failure injection.
	listErr    error
	createErrs map[string]error // item name → error
	updateErrs map[string]error // id → error
	deleteErrs map[string]error // id → error
	panicList  bool

	// Concurrency tracking for the single-flight tests.
	gate        chan struct{} // when non-nil, List blocks until it is closed
	entered     chan struct{} // receives once per List call, if non-nil
	inFlight    int
	maxInFlight int
}

func newMockRemote(records ...model.RemoteRecord) *mockRemote {
	m := &mockRemote{
		records:    make(map[string]model.RemoteRecord),
		createErrs: make(map[string]error),
		updateErrs: make(map[string]error),
		deleteErrs: make(map[string]error),
	}
	for _, rr := range records {
		m.records[rr.ID] = rr
	}
	return m
}

func (m *mockRemote) List(ctx context.Context) ([]model.RemoteRecord, error) {
	m.mu.Lock()
	m.calls = append(m.calls, "list")
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	gate, entered, panicList := m.gate, m.entered, m.panicList
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if panicList {
		panic("list exploded")
	}
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]model.RemoteRecord, 0, len(m.records))
	for _, rr := range m.records {
		out = append(out, rr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRemote) Create(_ context.Context, rr model.RemoteRecord) (model.RemoteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "create "+rr.ItemName)
	if err := m.createErrs[rr.ItemName]; err != nil {
		return model.RemoteRecord{}, err
	}
	m.nextID++
	rr.ID = fmt.Sprintf("srv-%d", m.nextID)
	m.records[rr.ID] = rr
	return rr, nil
}

func (m *mockRemote) Update(_ context.Context, rr model.RemoteRecord) (model.RemoteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "update "+rr.ID)
	if err := m.updateErrs[rr.ID]; err != nil {
		return model.RemoteRecord{}, err
	}
	current, ok := m.records[rr.ID]
	if !ok {
		return model.RemoteRecord{}, remote.ErrNotFound
	}
	if rr.LastUpdated.Before(current.LastUpdated) {
		return model.RemoteRecord{}, &remote.ConflictError{Server: current}
	}
	m.records[rr.ID] = rr
	return rr, nil
}

func (m *mockRemote) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "delete "+id)
	if err := m.deleteErrs[id]; err != nil {
		return err
	}
	if _, ok := m.records[id]; !ok {
		return remote.ErrNotFound
	}
	delete(m.records, id)
	return nil
}

// writes returns every call except lists.
func (m *mockRemote) writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		if c != "list" {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockRemote) resetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *mockRemote) get(id string) (model.RemoteRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rr, ok := m.records[id]
	return rr, ok
}

func (m *mockRemote) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// --- Test store and clock ----------------------------------------------------

// testClock is a settable time source shared by a store and the test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func newTestStore(t *testing.T, clock *testClock) *state.Store {
	t.Helper()
	s, err := state.Open(filepath.Join(t.TempDir(), "inventory.db"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	s.SetClock(clock.Now)
	return s
}
