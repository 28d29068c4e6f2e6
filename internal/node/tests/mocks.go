package tests

import (
	"sync"

	"github.com/deuszex/iop-location-based-network/internal/node"
)

// InProcessNetwork is a proxy factory that wires nodes of the same test
// process directly to each other, keyed by their node endpoint. It stands in
// for real TCP where the test only cares about overlay behaviour.
type InProcessNetwork struct {
	mu    sync.RWMutex
	nodes map[string]*node.Node
}

func NewInProcessNetwork() *InProcessNetwork {
	return &InProcessNetwork{nodes: make(map[string]*node.Node)}
}

// Register makes a node reachable under its advertised node endpoint.
func (r *InProcessNetwork) Register(n *node.Node) {
	info, _ := n.GetNodeInfo()
	r.mu.Lock()
	r.nodes[info.Profile.NodeEndpoint.String()] = n
	r.mu.Unlock()
}

// ConnectTo returns a direct handle onto the registered node. The handle
// deliberately has no Close method: the target node outlives every proxy
// call made against it.
func (r *InProcessNetwork) ConnectTo(endpoint node.NetworkEndpoint) (node.NodeMethods, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.nodes[endpoint.String()]; ok {
		return directHandle{target: target}, nil
	}
	return nil, node.Errf(node.ConnectionFailed, "no test node at %s", endpoint)
}

// directHandle adapts a local node to the remote-handle shape.
type directHandle struct {
	target *node.Node
}

func (h directHandle) GetNodeInfo() (node.NodeInfo, error) { return h.target.GetNodeInfo() }
func (h directHandle) GetNodeCount() (int, error)          { return h.target.GetNodeCount() }

func (h directHandle) GetRandomNodes(maxCount int, filter node.NeighbourFilter) ([]node.NodeInfo, error) {
	return h.target.GetRandomNodes(maxCount, filter)
}

func (h directHandle) GetClosestNodesByDistance(from node.GpsLocation, radiusKm node.Distance, maxCount int, filter node.NeighbourFilter) ([]node.NodeInfo, error) {
	return h.target.GetClosestNodesByDistance(from, radiusKm, maxCount, filter)
}

func (h directHandle) AcceptColleague(candidate node.NodeInfo) (node.NodeInfo, error) {
	return h.target.AcceptColleague(candidate)
}

func (h directHandle) RenewColleague(candidate node.NodeInfo) (node.NodeInfo, error) {
	return h.target.RenewColleague(candidate)
}

func (h directHandle) AcceptNeighbour(candidate node.NodeInfo) (node.NodeInfo, error) {
	return h.target.AcceptNeighbour(candidate)
}

func (h directHandle) RenewNeighbour(candidate node.NodeInfo) (node.NodeInfo, error) {
	return h.target.RenewNeighbour(candidate)
}

// ChangeCounter tallies store events per kind.
type ChangeCounter struct {
	ID node.SessionID

	mu           sync.Mutex
	AddedCount   int
	UpdatedCount int
	RemovedCount int
}

func (c *ChangeCounter) SessionID() node.SessionID { return c.ID }
func (c *ChangeCounter) OnRegistered()             {}

func (c *ChangeCounter) AddedNode(node.NodeDbEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AddedCount++
	return nil
}

func (c *ChangeCounter) UpdatedNode(node.NodeDbEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.UpdatedCount++
	return nil
}

func (c *ChangeCounter) RemovedNode(node.NodeDbEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RemovedCount++
	return nil
}

func (c *ChangeCounter) Counts() (added, updated, removed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.AddedCount, c.UpdatedCount, c.RemovedCount
}
