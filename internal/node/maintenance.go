package node

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// Maintainer drives the periodic overlay upkeep of a node: expiring and
// renewing relations, tightening the neighbourhood, and probing unknown
// areas of the map.
type Maintainer struct {
	node  *Node
	clock clock.Clock
	log   *zap.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	tickers  []*clock.Ticker
}

func NewMaintainer(node *Node) *Maintainer {
	return &Maintainer{
		node:  node,
		clock: node.clock,
		log:   node.log.Named("maintenance"),
	}
}

// Start launches the maintenance loop on its own goroutine.
func (m *Maintainer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return E(InvalidState, "maintainer already running")
	}
	m.running = true
	m.stopChan = make(chan struct{})
	// Tickers are registered on the clock before Start returns, so a test
	// clock advanced right after Start still fires them.
	dbTicker := m.clock.Ticker(m.node.cfg.DbMaintenancePeriod)
	neighbourTicker := m.clock.Ticker(m.node.cfg.NeighbourRenewalPeriod)
	discoveryTicker := m.clock.Ticker(m.node.cfg.DiscoveryPeriod)
	m.tickers = []*clock.Ticker{dbTicker, neighbourTicker, discoveryTicker}
	go m.run(ctx, dbTicker, neighbourTicker, discoveryTicker)
	m.log.Info("Maintenance started",
		zap.Duration("dbMaintenancePeriod", m.node.cfg.DbMaintenancePeriod),
		zap.Duration("neighbourRenewalPeriod", m.node.cfg.NeighbourRenewalPeriod),
		zap.Duration("discoveryPeriod", m.node.cfg.DiscoveryPeriod))
	return nil
}

// Stop ends the maintenance loop.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	close(m.stopChan)
	for _, ticker := range m.tickers {
		ticker.Stop()
	}
	m.tickers = nil
	m.running = false
}

func (m *Maintainer) run(ctx context.Context, dbTicker, neighbourTicker, discoveryTicker *clock.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-dbTicker.C:
			m.node.ExpireOldNodes()
			m.node.RenewNodeRelations()
		case <-neighbourTicker.C:
			m.node.RenewNeighbours()
		case <-discoveryTicker.C:
			m.node.DiscoverUnknownAreas()
		}
	}
}

// ExpireOldNodes sweeps expired entries out of the store.
func (n *Node) ExpireOldNodes() {
	n.store.ExpireOldNodes()
}

// RenewNodeRelations re-confirms every relation this node initiated. A
// refusal removes the entry; an unreachable peer is left for the expiry
// sweep. One bad entry never aborts the pass.
func (n *Node) RenewNodeRelations() {
	for _, entry := range n.store.GetNodesByRole(RoleInitiator) {
		if err := n.renewRemoteRelation(entry); err != nil {
			n.log.Warn("Relation renewal failed",
				zap.String("node", string(entry.Profile.ID)),
				zap.String("relation", entry.Relation.String()),
				zap.Error(err))
		}
	}
}

// RenewNeighbours is the finer-cadence sweep over initiated neighbour
// relations only.
func (n *Node) RenewNeighbours() {
	neighbours := funk.Filter(n.store.GetNodesByRole(RoleInitiator), func(e NodeDbEntry) bool {
		return e.Relation == RelationNeighbour
	}).([]NodeDbEntry)
	for _, entry := range neighbours {
		if err := n.renewRemoteRelation(entry); err != nil {
			n.log.Warn("Neighbour renewal failed",
				zap.String("node", string(entry.Profile.ID)), zap.Error(err))
		}
	}
}

func (n *Node) renewRemoteRelation(entry NodeDbEntry) error {
	proxy, err := n.proxies.ConnectTo(entry.Profile.NodeEndpoint)
	if err != nil {
		// Unreachable is not a refusal; expiration will reap the entry if
		// the peer never comes back.
		return err
	}
	defer closeProxy(proxy)

	self := n.store.ThisNode().NodeInfo
	if entry.Relation == RelationNeighbour {
		_, err = proxy.RenewNeighbour(self)
	} else {
		_, err = proxy.RenewColleague(self)
	}
	if err != nil {
		if KindOf(err) == ConnectionFailed {
			return err
		}
		// The peer answered and refused: the relation is gone.
		if removeErr := n.store.Remove(entry.Profile.ID); removeErr != nil {
			return fmt.Errorf("dropping refused relation: %w", removeErr)
		}
		n.log.Info("Relation refused on renewal, removed",
			zap.String("node", string(entry.Profile.ID)))
		return nil
	}
	return n.store.Update(entry, true)
}

// DiscoverUnknownAreas explores the overlay around a random point of the
// sphere and tries to relate to whatever it finds there.
func (n *Node) DiscoverUnknownAreas() {
	target := n.randomLocation()
	found, err := n.ExploreNetworkNodesByDistance(target, exploreQueryBudget, 3)
	if err != nil {
		n.log.Warn("Discovery exploration failed", zap.String("target", target.String()), zap.Error(err))
		return
	}

	for _, info := range found {
		if _, known := n.store.Load(info.Profile.ID); known {
			continue
		}
		if n.checkCandidate(info) != nil {
			continue
		}
		proxy, err := n.proxies.ConnectTo(info.Profile.NodeEndpoint)
		if err != nil {
			continue
		}
		if err := n.initiateColleague(proxy, info); err != nil {
			closeProxy(proxy)
			continue
		}
		closeProxy(proxy)

		if n.worthAsNeighbour(info) {
			n.initiateNeighbour(info)
		}
	}
}

// worthAsNeighbour decides whether a discovered node should be offered a
// neighbour relation: there must be room (or it must beat the farthest
// neighbour) and its bubble must be clear.
func (n *Node) worthAsNeighbour(info NodeInfo) bool {
	if n.bubbleOverlaps(info) {
		return false
	}
	neighbours := n.store.GetNeighbourNodesByDistance()
	if len(neighbours) < n.cfg.NeighbourhoodTargetSize {
		return true
	}
	self := n.store.ThisNode()
	farthest := neighbours[len(neighbours)-1]
	return DistanceKm(self.Location, info.Location) < DistanceKm(self.Location, farthest.Location)
}

// randomLocation picks a point uniformly on the sphere.
func (n *Node) randomLocation() GpsLocation {
	lat := math.Asin(2*n.randomFloat()-1) * 180 / math.Pi
	lon := n.randomFloat()*360 - 180
	return GpsLocation{Latitude: lat, Longitude: lon}
}
