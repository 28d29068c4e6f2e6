package node

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// NodeProxyFactory opens callable handles to remote nodes, hiding the
// session plumbing from the node core.
type NodeProxyFactory interface {
	ConnectTo(endpoint NetworkEndpoint) (NodeMethods, error)
}

// dialFailureCooldown is how long a failed endpoint is skipped before the
// factory tries dialing it again.
const dialFailureCooldown = 30 * time.Second

// TCPProxyFactory builds remote-node handles over fresh framed TCP sessions.
// Recently unreachable endpoints are remembered in a small LRU so periodic
// discovery does not hammer dead peers.
type TCPProxyFactory struct {
	timeout  time.Duration
	clock    clock.Clock
	failures *lru.Cache[string, time.Time]
	log      *zap.Logger
}

func NewTCPProxyFactory(timeout time.Duration, clk clock.Clock, log *zap.Logger) *TCPProxyFactory {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	failures, _ := lru.New[string, time.Time](256)
	return &TCPProxyFactory{
		timeout:  timeout,
		clock:    clk,
		failures: failures,
		log:      log,
	}
}

// ConnectTo opens a session to the endpoint and wraps it into a remote-node
// handle. The handle owns the session for its lifetime.
func (f *TCPProxyFactory) ConnectTo(endpoint NetworkEndpoint) (NodeMethods, error) {
	key := endpoint.String()
	if failedAt, ok := f.failures.Get(key); ok {
		if f.clock.Now().Sub(failedAt) < dialFailureCooldown {
			return nil, Errf(ConnectionFailed, "endpoint %s was unreachable recently, skipping", key)
		}
		f.failures.Remove(key)
	}

	session, err := DialSession(endpoint, f.timeout)
	if err != nil {
		f.failures.Add(key, f.clock.Now())
		return nil, err
	}
	f.log.Debug("Connected to remote node", zap.String("endpoint", key))
	return &RemoteNode{session: session}, nil
}

// RemoteNode implements the peer-facing interface by serializing each call
// into a request over its session and translating the response status back
// into the error taxonomy.
type RemoteNode struct {
	session *Session
	nextID  uint32
}

// Close releases the handle's session.
func (r *RemoteNode) Close() error { return r.session.Close() }

func (r *RemoteNode) call(req *Request) (*Response, error) {
	req.Version = ProtocolVersion
	id := atomic.AddUint32(&r.nextID, 1)

	if err := r.session.Send(&Message{ID: id, Request: req}); err != nil {
		return nil, err
	}
	msg, err := r.session.Receive()
	if err != nil {
		return nil, err
	}
	if msg.Response == nil {
		return nil, E(BadResponse, "got a message without response from remote node")
	}
	if msg.ID != id {
		return nil, Errf(BadResponse, "response id %d does not match request id %d", msg.ID, id)
	}
	if msg.Response.Status != uint32(OK) {
		return nil, Errf(KindFromCode(msg.Response.Status), "remote node refused: %s", msg.Response.Details)
	}
	return msg.Response, nil
}

func (r *RemoteNode) GetNodeInfo() (NodeInfo, error) {
	resp, err := r.call(&Request{Node: &NodeRequest{GetNodeInfo: &GetNodeInfoRequest{}}})
	if err != nil {
		return NodeInfo{}, err
	}
	return responseNodeInfo(resp)
}

func (r *RemoteNode) GetNodeCount() (int, error) {
	resp, err := r.call(&Request{Node: &NodeRequest{GetNodeCount: &GetNodeCountRequest{}}})
	if err != nil {
		return 0, err
	}
	return int(resp.NodeCount), nil
}

func (r *RemoteNode) GetRandomNodes(maxCount int, filter NeighbourFilter) ([]NodeInfo, error) {
	resp, err := r.call(&Request{Node: &NodeRequest{GetRandomNodes: &GetRandomNodesRequest{
		MaxCount: uint32(maxCount),
		Filter:   uint8(filter),
	}}})
	if err != nil {
		return nil, err
	}
	return fromWireNodeInfos(resp.Nodes)
}

func (r *RemoteNode) GetClosestNodesByDistance(from GpsLocation, radiusKm Distance, maxCount int, filter NeighbourFilter) ([]NodeInfo, error) {
	resp, err := r.call(&Request{Node: &NodeRequest{GetClosestNodes: &GetClosestNodesRequest{
		Location: toWireLocation(from),
		RadiusKm: radiusKm,
		MaxCount: uint32(maxCount),
		Filter:   uint8(filter),
	}}})
	if err != nil {
		return nil, err
	}
	return fromWireNodeInfos(resp.Nodes)
}

func (r *RemoteNode) AcceptColleague(candidate NodeInfo) (NodeInfo, error) {
	return r.relationCall(&NodeRequest{AcceptColleague: &RelationRequest{Node: toWireNodeInfo(candidate)}})
}

func (r *RemoteNode) RenewColleague(candidate NodeInfo) (NodeInfo, error) {
	return r.relationCall(&NodeRequest{RenewColleague: &RelationRequest{Node: toWireNodeInfo(candidate)}})
}

func (r *RemoteNode) AcceptNeighbour(candidate NodeInfo) (NodeInfo, error) {
	return r.relationCall(&NodeRequest{AcceptNeighbour: &RelationRequest{Node: toWireNodeInfo(candidate)}})
}

func (r *RemoteNode) RenewNeighbour(candidate NodeInfo) (NodeInfo, error) {
	return r.relationCall(&NodeRequest{RenewNeighbour: &RelationRequest{Node: toWireNodeInfo(candidate)}})
}

func (r *RemoteNode) relationCall(req *NodeRequest) (NodeInfo, error) {
	resp, err := r.call(&Request{Node: req})
	if err != nil {
		return NodeInfo{}, err
	}
	return responseNodeInfo(resp)
}

func responseNodeInfo(resp *Response) (NodeInfo, error) {
	if resp.NodeInfo == nil {
		return NodeInfo{}, E(BadResponse, "response is missing node info")
	}
	info, err := fromWireNodeInfo(*resp.NodeInfo)
	if err != nil {
		return NodeInfo{}, Wrap(BadResponse, err, "response carries invalid node info")
	}
	return info, nil
}
