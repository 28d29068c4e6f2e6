package node

import (
	"bytes"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// SpatialStore is the persistent, expiring, change-notifying index of known
// nodes. All operations are synchronous; mutations are serialized by a single
// write lock and notifications are dispatched inside that critical section in
// mutation order.
type SpatialStore struct {
	mu               sync.RWMutex
	rngMu            sync.Mutex
	clock            clock.Clock
	expirationPeriod time.Duration
	self             NodeDbEntry
	entries          map[NodeID]NodeDbEntry
	db               *storeBackend
	listeners        *ListenerRegistry
	rng              *rand.Rand
	log              *zap.Logger
}

// OpenStore opens the spatial store backed by a leveldb database at dbPath.
// An empty dbPath opens an in-memory database, suited for tests. Previously
// persisted entries are loaded; the Self entry is always reset from selfInfo,
// its location is fixed for the process lifetime.
func OpenStore(selfInfo NodeInfo, dbPath string, expirationPeriod time.Duration, clk clock.Clock, log *zap.Logger) (*SpatialStore, error) {
	if err := selfInfo.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}

	backend, err := openStoreBackend(dbPath)
	if err != nil {
		return nil, err
	}

	s := &SpatialStore{
		clock:            clk,
		expirationPeriod: expirationPeriod,
		self: NodeDbEntry{
			NodeInfo: selfInfo,
			Relation: RelationSelf,
			Role:     RoleAcceptor,
		},
		entries:   make(map[NodeID]NodeDbEntry),
		db:        backend,
		listeners: NewListenerRegistry(log),
		rng:       rand.New(rand.NewSource(clk.Now().UnixNano())),
		log:       log,
	}

	loaded, err := backend.loadEntries()
	if err != nil {
		backend.close()
		return nil, err
	}
	for _, entry := range loaded {
		if entry.Profile.ID == selfInfo.Profile.ID || entry.Relation == RelationSelf {
			continue
		}
		s.entries[entry.Profile.ID] = entry
	}
	if err := backend.putSelf(s.self); err != nil {
		backend.close()
		return nil, err
	}

	log.Info("Spatial store opened",
		zap.String("path", dbPath), zap.Int("entries", len(s.entries)))
	return s, nil
}

// Close persists nothing further and releases the backing database.
func (s *SpatialStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.close()
}

// ListenerRegistry exposes the change-listener registry of this store.
func (s *SpatialStore) ListenerRegistry() *ListenerRegistry { return s.listeners }

// ThisNode returns the owning node's own entry.
func (s *SpatialStore) ThisNode() NodeDbEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// UpdateSelf replaces Self's advertised info and broadcasts an Updated event.
// The location cannot change.
func (s *SpatialStore) UpdateSelf(profile NodeProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := s.self
	updated.Profile = profile
	if err := s.db.putSelf(updated); err != nil {
		return err
	}
	s.self = updated
	s.listeners.broadcastUpdated(updated)
	return nil
}

// Load is a point lookup by node id. Self is addressable by its own id.
func (s *SpatialStore) Load(id NodeID) (NodeDbEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id == s.self.Profile.ID {
		return s.self, true
	}
	entry, ok := s.entries[id]
	return entry, ok
}

// Store inserts a new entry, failing with AlreadyExists if the id is present.
// When expires is true the entry is stamped now+expirationPeriod; otherwise
// it never expires. Broadcasts Added.
func (s *SpatialStore) Store(entry NodeDbEntry, expires bool) error {
	if err := s.checkEntry(entry); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := entry.Profile.ID
	if _, ok := s.entries[id]; ok {
		return Errf(AlreadyExists, "node %x already stored", string(id))
	}
	stamped := s.stamp(entry, expires)
	if err := s.db.putEntry(stamped); err != nil {
		return err
	}
	s.entries[id] = stamped
	s.listeners.broadcastAdded(stamped)
	return nil
}

// Update replaces an existing entry with an identical id, re-dating it by the
// same expiration rules as Store. Broadcasts Updated.
func (s *SpatialStore) Update(entry NodeDbEntry, expires bool) error {
	if err := s.checkEntry(entry); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := entry.Profile.ID
	if _, ok := s.entries[id]; !ok {
		return Errf(NotFound, "node %x not stored", string(id))
	}
	stamped := s.stamp(entry, expires)
	if err := s.db.putEntry(stamped); err != nil {
		return err
	}
	s.entries[id] = stamped
	s.listeners.broadcastUpdated(stamped)
	return nil
}

// Remove deletes an entry. Broadcasts Removed.
func (s *SpatialStore) Remove(id NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return Errf(NotFound, "node %x not stored", string(id))
	}
	if err := s.db.deleteEntry(id); err != nil {
		return err
	}
	delete(s.entries, id)
	s.listeners.broadcastRemoved(entry)
	return nil
}

// ExpireOldNodes removes every expiring non-Self entry whose deadline has
// passed. A failed delete is logged and retried on the next sweep.
func (s *SpatialStore) ExpireOldNodes() {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.entries {
		if !entry.expiring() || entry.ExpiresAt.After(now) {
			continue
		}
		if err := s.db.deleteEntry(id); err != nil {
			s.log.Warn("Failed to expire node, will retry next sweep",
				zap.String("node", string(id)), zap.Error(err))
			continue
		}
		delete(s.entries, id)
		s.listeners.broadcastRemoved(entry)
	}
}

// GetClosestNodesByDistance returns up to maxCount non-Self entries within
// radiusKm of the given location, ascending by distance with ties broken by
// node id byte order.
func (s *SpatialStore) GetClosestNodesByDistance(from GpsLocation, radiusKm Distance, maxCount int, filter NeighbourFilter) ([]NodeDbEntry, error) {
	if err := from.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	matched := make([]NodeDbEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		if !filter.matches(entry.Relation) {
			continue
		}
		if DistanceKm(from, entry.Location) <= radiusKm {
			matched = append(matched, entry)
		}
	}
	s.mu.RUnlock()

	sortByDistance(matched, from)
	if maxCount >= 0 && len(matched) > maxCount {
		matched = matched[:maxCount]
	}
	return matched, nil
}

// GetNeighbourNodesByDistance returns all Neighbour entries sorted by their
// distance from Self.
func (s *SpatialStore) GetNeighbourNodesByDistance() []NodeDbEntry {
	s.mu.RLock()
	self := s.self
	neighbours := make([]NodeDbEntry, 0)
	for _, entry := range s.entries {
		if entry.Relation == RelationNeighbour {
			neighbours = append(neighbours, entry)
		}
	}
	s.mu.RUnlock()

	sortByDistance(neighbours, self.Location)
	return neighbours
}

// GetRandomNodes returns a uniform sample without replacement of non-Self
// entries matching the filter.
func (s *SpatialStore) GetRandomNodes(maxCount int, filter NeighbourFilter) []NodeDbEntry {
	s.mu.RLock()
	matched := make([]NodeDbEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		if filter.matches(entry.Relation) {
			matched = append(matched, entry)
		}
	}
	s.mu.RUnlock()

	s.rngMu.Lock()
	s.rng.Shuffle(len(matched), func(i, j int) {
		matched[i], matched[j] = matched[j], matched[i]
	})
	s.rngMu.Unlock()

	if maxCount >= 0 && len(matched) > maxCount {
		matched = matched[:maxCount]
	}
	return matched
}

// GetNodeCount returns the number of non-Self entries.
func (s *SpatialStore) GetNodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// GetNodeCountByRelation returns the number of entries with the given
// relation type.
func (s *SpatialStore) GetNodeCountByRelation(relation RelationType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if relation == RelationSelf {
		return 1
	}
	count := 0
	for _, entry := range s.entries {
		if entry.Relation == relation {
			count++
		}
	}
	return count
}

// GetNodesByRole returns all non-Self entries with the given contact role.
func (s *SpatialStore) GetNodesByRole(role RoleType) []NodeDbEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NodeDbEntry, 0)
	for _, entry := range s.entries {
		if entry.Role == role {
			out = append(out, entry)
		}
	}
	return out
}

func (s *SpatialStore) checkEntry(entry NodeDbEntry) error {
	if err := entry.NodeInfo.Validate(); err != nil {
		return err
	}
	if entry.Relation == RelationSelf {
		return E(InvalidValue, "only the store owns the self entry")
	}
	if entry.Profile.ID == s.self.Profile.ID {
		return E(InvalidValue, "entry id equals self")
	}
	return nil
}

func (s *SpatialStore) stamp(entry NodeDbEntry, expires bool) NodeDbEntry {
	if expires {
		entry.ExpiresAt = s.clock.Now().Add(s.expirationPeriod)
	} else {
		entry.ExpiresAt = time.Time{}
	}
	return entry
}

func sortByDistance(entries []NodeDbEntry, from GpsLocation) {
	sort.Slice(entries, func(i, j int) bool {
		di, dj := DistanceKm(from, entries[i].Location), DistanceKm(from, entries[j].Location)
		if di != dj {
			return di < dj
		}
		return bytes.Compare([]byte(entries[i].Profile.ID), []byte(entries[j].Profile.ID)) < 0
	})
}
