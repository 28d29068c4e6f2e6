package node

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Joining the overlay on startup.

// EnsureMapFilled joins the network through the configured seed endpoints.
// It does nothing when the store already knows other nodes. An empty seed
// list leaves the node solo without failing; the join as a whole fails only
// when every seed failed and the store is still empty.
func (n *Node) EnsureMapFilled(ctx context.Context) error {
	if n.store.GetNodeCount() > 0 {
		n.log.Debug("Store already has relations, skipping join")
		return nil
	}
	if len(n.cfg.SeedNodes) == 0 {
		n.log.Info("No seed nodes configured, staying solo")
		return nil
	}

	for _, seed := range n.shuffleEndpoints(n.cfg.SeedNodes) {
		if err := n.joinThroughSeed(ctx, seed); err != nil {
			n.log.Warn("Seed failed, trying next", zap.String("seed", seed.String()), zap.Error(err))
			continue
		}
		break
	}

	if n.store.GetNodeCount() == 0 {
		return E(ConnectionFailed, "failed to join the network through any configured seed")
	}
	n.log.Info("Joined the network",
		zap.Int("nodes", n.store.GetNodeCount()),
		zap.Int("neighbours", n.store.GetNodeCountByRelation(RelationNeighbour)))
	return nil
}

// joinThroughSeed initiates a colleague relation with one seed, then fills
// the world map and the neighbourhood from what it knows.
func (n *Node) joinThroughSeed(ctx context.Context, seed NetworkEndpoint) error {
	proxy, err := n.connectWithRetry(ctx, seed)
	if err != nil {
		return err
	}
	defer closeProxy(proxy)

	seedInfo, err := proxy.GetNodeInfo()
	if err != nil {
		return err
	}
	if err := n.initiateColleague(proxy, seedInfo); err != nil {
		return err
	}

	sample, err := proxy.GetRandomNodes(n.cfg.WorldTargetSize, FilterAny)
	if err != nil {
		n.log.Warn("Seed did not return a node sample", zap.Error(err))
	}

	n.initializeWorld(ctx, sample)
	n.initializeNeighbourhood(ctx)
	return nil
}

// connectWithRetry dials an endpoint with exponential backoff, for the join
// path where a seed may still be coming up.
func (n *Node) connectWithRetry(ctx context.Context, endpoint NetworkEndpoint) (NodeMethods, error) {
	operation := func() (NodeMethods, error) {
		return n.proxies.ConnectTo(endpoint)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	return backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(4))
}

// initiateColleague asks a remote node to accept us and records it locally
// with the initiator role, so renewal stays our responsibility.
func (n *Node) initiateColleague(proxy NodeMethods, info NodeInfo) error {
	self := n.store.ThisNode().NodeInfo
	remote, err := proxy.AcceptColleague(self)
	if err != nil {
		return err
	}
	// Prefer what the node reports about itself over hearsay.
	if remote.Profile.ID != info.Profile.ID {
		return Errf(BadResponse, "node at %s identifies as %s, expected %s",
			info.Profile.NodeEndpoint, string(remote.Profile.ID), string(info.Profile.ID))
	}
	entry := NodeDbEntry{NodeInfo: remote, Relation: RelationColleague, Role: RoleInitiator}
	if existing, known := n.store.Load(remote.Profile.ID); known {
		// A neighbour relation is stronger, never demote it here.
		entry.Relation = existing.Relation
		entry.Role = existing.Role
		return n.store.Update(entry, true)
	}
	return n.store.Store(entry, true)
}

// initializeWorld hops through random samples, collecting colleagues until
// the world target is met or the frontier is exhausted.
func (n *Node) initializeWorld(ctx context.Context, frontier []NodeInfo) {
	selfID := n.store.ThisNode().Profile.ID
	attempted := map[NodeID]bool{selfID: true}

	for len(frontier) > 0 && n.store.GetNodeCount() < n.cfg.WorldTargetSize {
		if ctx.Err() != nil {
			return
		}
		candidate := frontier[0]
		frontier = frontier[1:]
		if attempted[candidate.Profile.ID] {
			continue
		}
		attempted[candidate.Profile.ID] = true
		if err := n.checkCandidate(candidate); err != nil {
			continue
		}

		proxy, err := n.proxies.ConnectTo(candidate.Profile.NodeEndpoint)
		if err != nil {
			n.log.Debug("World init candidate unreachable",
				zap.String("node", string(candidate.Profile.ID)), zap.Error(err))
			continue
		}
		if err := n.initiateColleague(proxy, candidate); err != nil {
			n.log.Debug("World init candidate refused us",
				zap.String("node", string(candidate.Profile.ID)), zap.Error(err))
			closeProxy(proxy)
			continue
		}
		if sample, err := proxy.GetRandomNodes(n.cfg.WorldTargetSize, FilterAny); err == nil {
			frontier = append(frontier, sample...)
		}
		closeProxy(proxy)
	}
}

// initializeNeighbourhood tries the known nodes geographically closest to
// Self, in ascending distance order, until the neighbourhood target is met
// or the candidates run out. Refusals leave the candidate as a colleague.
func (n *Node) initializeNeighbourhood(ctx context.Context) {
	self := n.store.ThisNode()

	// Ask the closest known nodes what they see around us, then select.
	closest, err := n.store.GetClosestNodesByDistance(self.Location, Distance(maxRadiusKm), exploreQueryBudget, FilterAny)
	if err == nil {
		for _, entry := range closest[:min(2, len(closest))] {
			for _, info := range n.queryClosest(entry.NodeInfo, self.Location) {
				if info.Profile.ID == self.Profile.ID {
					continue
				}
				if _, known := n.store.Load(info.Profile.ID); known {
					continue
				}
				if n.checkCandidate(info) != nil {
					continue
				}
				colleague := NodeDbEntry{NodeInfo: info, Relation: RelationColleague, Role: RoleInitiator}
				_ = n.store.Store(colleague, true)
			}
		}
	}

	candidates, err := n.store.GetClosestNodesByDistance(self.Location, Distance(maxRadiusKm), -1, FilterExcludeNeighbours)
	if err != nil {
		return
	}
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return
		}
		if n.store.GetNodeCountByRelation(RelationNeighbour) >= n.cfg.NeighbourhoodTargetSize {
			return
		}
		n.initiateNeighbour(candidate.NodeInfo)
	}
}

// initiateNeighbour asks a remote node to take us as a neighbour and
// upgrades the local entry on success.
func (n *Node) initiateNeighbour(candidate NodeInfo) {
	proxy, err := n.proxies.ConnectTo(candidate.Profile.NodeEndpoint)
	if err != nil {
		n.log.Debug("Neighbour candidate unreachable",
			zap.String("node", string(candidate.Profile.ID)), zap.Error(err))
		return
	}
	defer closeProxy(proxy)

	self := n.store.ThisNode().NodeInfo
	if _, err := proxy.AcceptNeighbour(self); err != nil {
		n.log.Debug("Neighbour candidate refused us",
			zap.String("node", string(candidate.Profile.ID)), zap.Error(err))
		return
	}

	entry := NodeDbEntry{NodeInfo: candidate, Relation: RelationNeighbour, Role: RoleInitiator}
	if _, known := n.store.Load(candidate.Profile.ID); known {
		_ = n.store.Update(entry, true)
	} else {
		_ = n.store.Store(entry, true)
	}
}

// maxRadiusKm comfortably exceeds the half circumference of the sphere, so a
// query with it is unbounded in practice.
const maxRadiusKm = 30000
