package node

import (
	"io"
	"math"

	"go.uber.org/zap"
)

// exploreQueryBudget bounds how many nodes a single hop may return during an
// exploration walk.
const exploreQueryBudget = 20

// ExploreNetworkNodesByDistance walks the overlay towards a target location.
// Starting from the locally known node closest to the target, it repeatedly
// asks the closest not-yet-contacted known node for its own closest set and
// merges the answers, until desiredCount distinct nodes are known or
// maxNodeHops consecutive hops bring nothing new.
func (n *Node) ExploreNetworkNodesByDistance(target GpsLocation, desiredCount, maxNodeHops int) ([]NodeInfo, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if desiredCount <= 0 {
		return nil, Errf(InvalidValue, "non-positive target node count %d", desiredCount)
	}
	if maxNodeHops <= 0 {
		return nil, Errf(InvalidValue, "non-positive hop budget %d", maxNodeHops)
	}

	known := make(map[NodeID]NodeInfo)
	contacted := make(map[NodeID]bool)

	seedEntries, err := n.store.GetClosestNodesByDistance(target, Distance(math.MaxFloat32), exploreQueryBudget, FilterAny)
	if err != nil {
		return nil, err
	}
	for _, entry := range seedEntries {
		known[entry.Profile.ID] = entry.NodeInfo
	}

	hopsWithoutNews := 0
	for len(known) < desiredCount && hopsWithoutNews < maxNodeHops {
		next, ok := closestUncontacted(known, contacted, target)
		if !ok {
			break
		}
		contacted[next.Profile.ID] = true

		fresh := n.queryClosest(next, target)
		added := 0
		for _, info := range fresh {
			if info.Profile.ID == n.store.ThisNode().Profile.ID {
				continue
			}
			if _, seen := known[info.Profile.ID]; !seen {
				known[info.Profile.ID] = info
				added++
			}
		}
		if added == 0 {
			hopsWithoutNews++
		} else {
			hopsWithoutNews = 0
		}
	}

	result := make([]NodeInfo, 0, len(known))
	for _, info := range known {
		result = append(result, info)
	}
	sortInfosByDistance(result, target)
	if len(result) > desiredCount {
		result = result[:desiredCount]
	}
	return result, nil
}

// queryClosest asks one remote node for its closest set around the target.
// Failures just end the hop; the walk carries on elsewhere.
func (n *Node) queryClosest(from NodeInfo, target GpsLocation) []NodeInfo {
	proxy, err := n.proxies.ConnectTo(from.Profile.NodeEndpoint)
	if err != nil {
		n.log.Debug("Exploration hop unreachable",
			zap.String("node", string(from.Profile.ID)), zap.Error(err))
		return nil
	}
	defer closeProxy(proxy)

	nodes, err := proxy.GetClosestNodesByDistance(target, Distance(math.MaxFloat32), exploreQueryBudget, FilterAny)
	if err != nil {
		n.log.Debug("Exploration hop failed",
			zap.String("node", string(from.Profile.ID)), zap.Error(err))
		return nil
	}
	return nodes
}

func closestUncontacted(known map[NodeID]NodeInfo, contacted map[NodeID]bool, target GpsLocation) (NodeInfo, bool) {
	var (
		best     NodeInfo
		bestDist Distance
		found    bool
	)
	for id, info := range known {
		if contacted[id] {
			continue
		}
		d := DistanceKm(target, info.Location)
		if !found || d < bestDist {
			best, bestDist, found = info, d, true
		}
	}
	return best, found
}

func sortInfosByDistance(infos []NodeInfo, from GpsLocation) {
	entries := make([]NodeDbEntry, len(infos))
	for i, info := range infos {
		entries[i] = NodeDbEntry{NodeInfo: info}
	}
	sortByDistance(entries, from)
	for i, entry := range entries {
		infos[i] = entry.NodeInfo
	}
}

func closeProxy(proxy NodeMethods) {
	if closer, ok := proxy.(io.Closer); ok {
		_ = closer.Close()
	}
}
