package node

import (
	"math"

	"go.uber.org/zap"
)

// Acceptance and renewal of overlay relations.

// AcceptColleague stores or refreshes a globally-sampled acquaintance
// requested by a remote node and returns Self's info.
func (n *Node) AcceptColleague(candidate NodeInfo) (NodeInfo, error) {
	if err := n.checkCandidate(candidate); err != nil {
		return NodeInfo{}, err
	}

	id := candidate.Profile.ID
	if existing, ok := n.store.Load(id); ok {
		if existing.Relation == RelationNeighbour {
			// Neighbour status is stronger, a colleague request must not
			// demote it.
			return NodeInfo{}, Errf(AlreadyExists, "node %s is already a neighbour", string(id))
		}
		entry := NodeDbEntry{NodeInfo: candidate, Relation: RelationColleague, Role: existing.Role}
		if err := n.store.Update(entry, true); err != nil {
			return NodeInfo{}, err
		}
	} else {
		entry := NodeDbEntry{NodeInfo: candidate, Relation: RelationColleague, Role: RoleAcceptor}
		if err := n.store.Store(entry, true); err != nil {
			return NodeInfo{}, err
		}
		n.log.Debug("Accepted colleague", zap.String("node", string(id)))
	}
	return n.store.ThisNode().NodeInfo, nil
}

// AcceptNeighbour stores or refreshes a geographically-near relation,
// subject to the neighbourhood capacity and bubble-overlap tests.
func (n *Node) AcceptNeighbour(candidate NodeInfo) (NodeInfo, error) {
	if err := n.checkCandidate(candidate); err != nil {
		return NodeInfo{}, err
	}

	id := candidate.Profile.ID
	existing, known := n.store.Load(id)
	if known && existing.Relation == RelationNeighbour {
		// Repeated acceptance acts as a renewal.
		entry := NodeDbEntry{NodeInfo: candidate, Relation: RelationNeighbour, Role: existing.Role}
		if err := n.store.Update(entry, true); err != nil {
			return NodeInfo{}, err
		}
		return n.store.ThisNode().NodeInfo, nil
	}

	if n.bubbleOverlaps(candidate) {
		return NodeInfo{}, Errf(InvalidState,
			"personal space bubble of node %s at %s overlaps the neighbourhood",
			string(id), candidate.Location)
	}
	if err := n.ensureNeighbourCapacity(candidate); err != nil {
		return NodeInfo{}, err
	}

	entry := NodeDbEntry{NodeInfo: candidate, Relation: RelationNeighbour, Role: RoleAcceptor}
	var err error
	if known {
		err = n.store.Update(entry, true)
	} else {
		err = n.store.Store(entry, true)
	}
	if err != nil {
		return NodeInfo{}, err
	}
	n.log.Debug("Accepted neighbour", zap.String("node", string(id)),
		zap.Float32("distanceKm", DistanceKm(n.store.ThisNode().Location, candidate.Location)))
	return n.store.ThisNode().NodeInfo, nil
}

// RenewColleague refreshes a previously accepted relation. Identity, relation
// and role are preserved; only the expiration advances.
func (n *Node) RenewColleague(candidate NodeInfo) (NodeInfo, error) {
	return n.renewRelation(candidate)
}

// RenewNeighbour refreshes a previously accepted relation, same as
// RenewColleague.
func (n *Node) RenewNeighbour(candidate NodeInfo) (NodeInfo, error) {
	return n.renewRelation(candidate)
}

func (n *Node) renewRelation(candidate NodeInfo) (NodeInfo, error) {
	if err := n.checkCandidate(candidate); err != nil {
		return NodeInfo{}, err
	}
	existing, ok := n.store.Load(candidate.Profile.ID)
	if !ok {
		return NodeInfo{}, Errf(NotFound, "no relation with node %s to renew", string(candidate.Profile.ID))
	}
	entry := NodeDbEntry{NodeInfo: candidate, Relation: existing.Relation, Role: existing.Role}
	if err := n.store.Update(entry, true); err != nil {
		return NodeInfo{}, err
	}
	return n.store.ThisNode().NodeInfo, nil
}

// checkCandidate applies the shared validity tests of all acceptance paths.
func (n *Node) checkCandidate(candidate NodeInfo) error {
	if err := candidate.Validate(); err != nil {
		return err
	}
	if candidate.Profile.ID == n.store.ThisNode().Profile.ID {
		return E(InvalidValue, "cannot accept a relation with self")
	}
	if !n.cfg.TestMode &&
		(candidate.Profile.NodeEndpoint.Address.IsLoopback() ||
			candidate.Profile.ClientEndpoint.Address.IsLoopback()) {
		return Errf(InvalidValue, "loopback endpoint %s refused", candidate.Profile.NodeEndpoint)
	}
	return nil
}

// bubbleSize is the personal-space exclusion radius at a location, growing
// with the log of the known node count.
func (n *Node) bubbleSize(GpsLocation) Distance {
	count := n.store.GetNodeCount()
	return Distance(n.cfg.BubbleScaleKm * math.Log10(1+float64(count)))
}

// bubbleOverlaps reports whether the candidate's bubble intersects the bubble
// of Self or of any stored entry with a different id.
func (n *Node) bubbleOverlaps(candidate NodeInfo) bool {
	candidateBubble := n.bubbleSize(candidate.Location)

	self := n.store.ThisNode()
	if DistanceKm(candidate.Location, self.Location) < candidateBubble+n.bubbleSize(self.Location) {
		return true
	}
	others, _ := n.store.GetClosestNodesByDistance(candidate.Location, Distance(math.MaxFloat32), -1, FilterAny)
	for _, other := range others {
		if other.Profile.ID == candidate.Profile.ID {
			continue
		}
		if DistanceKm(candidate.Location, other.Location) < candidateBubble+n.bubbleSize(other.Location) {
			return true
		}
	}
	return false
}

// ensureNeighbourCapacity enforces the neighbourhood size cap. When the
// neighbourhood is full, a strictly closer candidate evicts the farthest
// neighbour; anything else is refused.
func (n *Node) ensureNeighbourCapacity(candidate NodeInfo) error {
	neighbours := n.store.GetNeighbourNodesByDistance()
	if len(neighbours) < n.cfg.NeighbourhoodTargetSize {
		return nil
	}

	self := n.store.ThisNode()
	farthest := neighbours[len(neighbours)-1]
	candidateDist := DistanceKm(self.Location, candidate.Location)
	farthestDist := DistanceKm(self.Location, farthest.Location)
	if candidateDist >= farthestDist {
		return Errf(InvalidState, "neighbourhood is full and node at %s is not closer than %.1f km",
			candidate.Location, farthestDist)
	}

	n.log.Debug("Evicting farthest neighbour for a closer candidate",
		zap.String("evicted", string(farthest.Profile.ID)),
		zap.Float32("evictedKm", farthestDist), zap.Float32("candidateKm", candidateDist))
	return n.store.Remove(farthest.Profile.ID)
}
