package service

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/iliyamo/variant-inventory-sync/internal/model"
)

// maxOwnerRetries bounds how often a lookup is redone because membership
// moved while the caller waited for a lock.
const maxOwnerRetries = 5

// GroupLocks hands out one mutex per group id.  Entries are reference
// counted and dropped once nobody holds or waits on them.  Code that needs
// several groups at once must go through LockMany, which acquires in id
// order so two multi-group callers cannot deadlock.
type GroupLocks struct {
	mu    sync.Mutex
	locks map[string]*groupLock
}

type groupLock struct {
	mu   sync.Mutex
	refs int
}

// NewGroupLocks returns an empty lock table.
func NewGroupLocks() *GroupLocks {
	return &GroupLocks{locks: make(map[string]*groupLock)}
}

// Lock blocks until the group's critical section is free and returns the
// matching unlock func.
func (l *GroupLocks) Lock(groupID string) func() {
	l.mu.Lock()
	gl, ok := l.locks[groupID]
	if !ok {
		gl = &groupLock{}
		l.locks[groupID] = gl
	}
	gl.refs++
	l.mu.Unlock()

	gl.mu.Lock()
	return func() {
		gl.mu.Unlock()
		l.mu.Lock()
		gl.refs--
		if gl.refs == 0 {
			delete(l.locks, groupID)
		}
		l.mu.Unlock()
	}
}

// LockMany locks every distinct id in ascending order and returns one func
// releasing them all.
func (l *GroupLocks) LockMany(groupIDs ...string) func() {
	ids := make([]string, 0, len(groupIDs))
	seen := make(map[string]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	unlocks := make([]func(), 0, len(ids))
	for _, id := range ids {
		unlocks = append(unlocks, l.Lock(id))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// lockOwner locks the group resolve names and checks, under that lock, that
// resolve still names it.  If membership moved while waiting, the lock is
// dropped and the lookup redone.  The bool is false once resolve finds no
// group; the unlock func is then nil.
func (l *GroupLocks) lockOwner(resolve func() (model.ProductGroup, bool)) (model.ProductGroup, func(), bool, error) {
	for attempt := 0; attempt < maxOwnerRetries; attempt++ {
		g, ok := resolve()
		if !ok {
			return model.ProductGroup{}, nil, false, nil
		}
		unlock := l.Lock(g.ID)
		cur, ok := resolve()
		if ok && cur.ID == g.ID {
			return cur, unlock, true, nil
		}
		unlock()
	}
	return model.ProductGroup{}, nil, false, errors.New("group membership kept changing")
}

// refs reports how many callers hold or wait on groupID.
func (l *GroupLocks) refs(groupID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gl, ok := l.locks[groupID]; ok {
		return gl.refs
	}
	return 0
}

func (l *GroupLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
