package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/variant-inventory-sync/internal/model"
)

type memGroupStore struct {
	mu      sync.Mutex
	groups  map[string]model.ProductGroup
	fail    error
	failIDs map[string]error
}

func newMemGroupStore() *memGroupStore {
	return &memGroupStore{
		groups:  make(map[string]model.ProductGroup),
		failIDs: make(map[string]error),
	}
}

// failOn makes upserts of group id fail with err.
func (m *memGroupStore) failOn(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failIDs[id] = err
}

func (m *memGroupStore) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *memGroupStore) LoadGroups(ctx context.Context) ([]model.ProductGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ProductGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g.Clone())
	}
	return out, nil
}

func (m *memGroupStore) UpsertGroup(ctx context.Context, g model.ProductGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if err := m.failIDs[g.ID]; err != nil {
		return err
	}
	m.groups[g.ID] = g.Clone()
	return nil
}

func (m *memGroupStore) UpdateSharedCount(ctx context.Context, id string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	g, ok := m.groups[id]
	if !ok {
		return fmt.Errorf("group %s not stored", id)
	}
	g.SharedCount = count
	m.groups[id] = g
	return nil
}

func (m *memGroupStore) DeleteGroup(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	delete(m.groups, id)
	return nil
}

func (m *memGroupStore) stored(id string) (model.ProductGroup, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	return g, ok
}

type memReservationStore struct {
	mu       sync.Mutex
	records  map[string]model.Reservation
	fail     error
	failWhen func(model.Reservation) error
}

func (m *memReservationStore) setFailWhen(fn func(model.Reservation) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWhen = fn
}

func newMemReservationStore() *memReservationStore {
	return &memReservationStore{records: make(map[string]model.Reservation)}
}

func (m *memReservationStore) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *memReservationStore) LoadReservations(ctx context.Context) ([]model.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Reservation, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

func (m *memReservationStore) UpsertReservation(ctx context.Context, r model.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if m.failWhen != nil {
		if err := m.failWhen(r); err != nil {
			return err
		}
	}
	m.records[r.ID] = r
	return nil
}

func (m *memReservationStore) stored(id string) (model.Reservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return r, ok
}

type catalogWrite struct {
	Item     string
	Quantity int
}

type fakeCatalog struct {
	mu        sync.Mutex
	levels    map[string]int
	writes    []catalogWrite
	failItems map[string]error
	readFail  map[string]error
	block     map[string]bool
	products  []model.CatalogProduct
	listErr   error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		levels:    make(map[string]int),
		failItems: make(map[string]error),
		readFail:  make(map[string]error),
		block:     make(map[string]bool),
	}
}

func (c *fakeCatalog) GetAvailableQuantity(ctx context.Context, item string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readFail[item]; err != nil {
		return 0, err
	}
	return c.levels[item], nil
}

func (c *fakeCatalog) SetAvailableQuantity(ctx context.Context, item string, qty int) error {
	c.mu.Lock()
	blocked := c.block[item]
	fail := c.failItems[item]
	c.mu.Unlock()
	if blocked {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail != nil {
		return fail
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.levels[item] = qty
	c.writes = append(c.writes, catalogWrite{Item: item, Quantity: qty})
	return nil
}

func (c *fakeCatalog) ListMultiVariantProducts(ctx context.Context) ([]model.CatalogProduct, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	return append([]model.CatalogProduct(nil), c.products...), nil
}

func (c *fakeCatalog) takeWrites() []catalogWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.writes
	c.writes = nil
	sort.Slice(out, func(i, j int) bool { return out[i].Item < out[j].Item })
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.GroupSyncedEvent
}

func (n *recordingNotifier) GroupSynced(ctx context.Context, ev model.GroupSyncedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

type fixture struct {
	groups       *memGroupStore
	reservations *memReservationStore
	catalog      *fakeCatalog
	clock        *fakeClock
	logs         *test.Hook
	registry     *GroupRegistry
	ledger       *ReservationLedger
	locks        *GroupLocks
	engine       *SyncEngine
	arbiter      *Arbiter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	f := &fixture{
		groups:       newMemGroupStore(),
		reservations: newMemReservationStore(),
		catalog:      newFakeCatalog(),
		clock:        newFakeClock(),
		logs:         hook,
		locks:        NewGroupLocks(),
	}
	seq := 0
	var seqMu sync.Mutex
	f.registry = NewGroupRegistry(f.groups)
	f.ledger = NewReservationLedger(f.reservations,
		WithLedgerClock(f.clock.Now),
		WithIDGenerator(func() (string, error) {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("r-%04d", seq), nil
		}),
	)
	f.engine = NewSyncEngine(f.registry, f.catalog, f.locks,
		WithCatalogTimeout(50*time.Millisecond),
		WithSyncLogger(logger),
	)
	f.arbiter = NewArbiter(f.registry, f.ledger, f.engine, f.locks, WithArbiterLogger(logger))
	return f
}

// seedGroup registers group id with one member per variant (inventory item
// "item-<variant>") and sets its shared count.
func (f *fixture) seedGroup(t *testing.T, id string, count int, variants ...string) {
	t.Helper()
	members := make([]model.Member, 0, len(variants))
	for _, v := range variants {
		members = append(members, model.Member{VariantID: v, InventoryItemID: "item-" + v})
	}
	require.NoError(t, f.registry.UpsertGroup(context.Background(), id, "Group "+id, members))
	_, err := f.registry.SetSharedCount(context.Background(), id, count)
	require.NoError(t, err)
}

func (f *fixture) count(t *testing.T, id string) int {
	t.Helper()
	g, ok := f.registry.Get(id)
	require.True(t, ok, "group %s missing", id)
	return g.SharedCount
}

func members(variants ...string) []model.Member {
	out := make([]model.Member, 0, len(variants))
	for _, v := range variants {
		out = append(out, model.Member{VariantID: v, InventoryItemID: "item-" + v})
	}
	return out
}
