package repository

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/iliyamo/variant-inventory-sync/internal/model"
)

const (
	groupsFile       = "groups.json"
	reservationsFile = "reservations.json"
)

// jsonFile is one JSON document rewritten atomically on every change: the
// new content goes to a temp file in the same directory which is synced and
// renamed over the old one.  A crash leaves either the old or the new file.
type jsonFile struct {
	path string
}

func (f jsonFile) read(v any) (bool, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "read %s", f.path)
	}
	if len(b) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, errors.Wrapf(ErrCorruptFile, "%s: %v", f.path, err)
	}
	return true, nil
}

func (f jsonFile) write(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode")
	}
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	return errors.Wrapf(os.Rename(tmp.Name(), f.path), "replace %s", f.path)
}

// GroupFileStore keeps every group in DATA_DIR/groups.json.
type GroupFileStore struct {
	mu     sync.Mutex
	file   jsonFile
	groups map[string]model.ProductGroup
	loaded bool
}

// NewGroupFileStore returns a store rooted at dir, creating dir if needed.
func NewGroupFileStore(dir string) (*GroupFileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", dir)
	}
	return &GroupFileStore{
		file:   jsonFile{path: filepath.Join(dir, groupsFile)},
		groups: make(map[string]model.ProductGroup),
	}, nil
}

// LoadGroups reads the file.  A missing file is an empty store.
func (s *GroupFileStore) LoadGroups(ctx context.Context) ([]model.ProductGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	out := make([]model.ProductGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertGroup stores g, replacing any group with the same id.
func (s *GroupFileStore) UpsertGroup(ctx context.Context, g model.ProductGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	next := s.copyGroups()
	next[g.ID] = g.Clone()
	return s.commit(next)
}

// UpdateSharedCount overwrites the count of a stored group.
func (s *GroupFileStore) UpdateSharedCount(ctx context.Context, groupID string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	g, ok := s.groups[groupID]
	if !ok {
		return errors.Wrapf(ErrGroupNotStored, "group %s", groupID)
	}
	next := s.copyGroups()
	g.SharedCount = count
	next[groupID] = g
	return s.commit(next)
}

// DeleteGroup removes a group.  Deleting an absent group is not an error.
func (s *GroupFileStore) DeleteGroup(ctx context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	if _, ok := s.groups[groupID]; !ok {
		return nil
	}
	next := s.copyGroups()
	delete(next, groupID)
	return s.commit(next)
}

func (s *GroupFileStore) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	var list []model.ProductGroup
	if _, err := s.file.read(&list); err != nil {
		return err
	}
	for _, g := range list {
		s.groups[g.ID] = g
	}
	s.loaded = true
	return nil
}

func (s *GroupFileStore) copyGroups() map[string]model.ProductGroup {
	next := make(map[string]model.ProductGroup, len(s.groups)+1)
	for id, g := range s.groups {
		next[id] = g
	}
	return next
}

// commit writes next and adopts it only once the file is in place.
func (s *GroupFileStore) commit(next map[string]model.ProductGroup) error {
	list := make([]model.ProductGroup, 0, len(next))
	for _, g := range next {
		list = append(list, g)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	if err := s.file.write(list); err != nil {
		return err
	}
	s.groups = next
	return nil
}

// ReservationFileStore keeps every reservation in DATA_DIR/reservations.json.
type ReservationFileStore struct {
	mu      sync.Mutex
	file    jsonFile
	records map[string]model.Reservation
	loaded  bool
}

// NewReservationFileStore returns a store rooted at dir, creating dir if
// needed.
func NewReservationFileStore(dir string) (*ReservationFileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", dir)
	}
	return &ReservationFileStore{
		file:    jsonFile{path: filepath.Join(dir, reservationsFile)},
		records: make(map[string]model.Reservation),
	}, nil
}

// LoadReservations reads the file, oldest reservation first.
func (s *ReservationFileStore) LoadReservations(ctx context.Context) ([]model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	return s.sorted(s.records), nil
}

// UpsertReservation inserts or replaces one record.
func (s *ReservationFileStore) UpsertReservation(ctx context.Context, r model.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	next := make(map[string]model.Reservation, len(s.records)+1)
	for id, rec := range s.records {
		next[id] = rec
	}
	next[r.ID] = r
	if err := s.file.write(s.sorted(next)); err != nil {
		return err
	}
	s.records = next
	return nil
}

func (s *ReservationFileStore) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	var list []model.Reservation
	if _, err := s.file.read(&list); err != nil {
		return err
	}
	for _, r := range list {
		s.records[r.ID] = r
	}
	s.loaded = true
	return nil
}

func (s *ReservationFileStore) sorted(records map[string]model.Reservation) []model.Reservation {
	out := make([]model.Reservation, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReservedAt.Equal(out[j].ReservedAt) {
			return out[i].ReservedAt.Before(out[j].ReservedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
