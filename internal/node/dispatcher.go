package node

// requestDispatcher routes one session's requests into the node core through
// the three role-scoped interfaces. It remembers whether the last dispatched
// request asked for the keep-alive upgrade, so the serving loop can hand the
// session over to a notification bridge.
type requestDispatcher struct {
	node     *Node
	upgraded bool
}

func newRequestDispatcher(node *Node) *requestDispatcher {
	return &requestDispatcher{node: node}
}

// Dispatch serves a single request and builds its success payload. Errors
// are returned to the serving loop, which converts them to wire status.
func (d *requestDispatcher) Dispatch(req *Request) (*Response, error) {
	set := 0
	if req.Node != nil {
		set++
	}
	if req.LocalService != nil {
		set++
	}
	if req.Client != nil {
		set++
	}
	if set != 1 {
		return nil, E(BadRequest, "request must carry exactly one role payload")
	}

	switch {
	case req.Node != nil:
		return d.dispatchNode(req.Node)
	case req.LocalService != nil:
		return d.dispatchLocalService(req.LocalService)
	default:
		return d.dispatchClient(req.Client)
	}
}

func (d *requestDispatcher) dispatchNode(req *NodeRequest) (*Response, error) {
	node := d.node
	switch {
	case req.GetNodeInfo != nil:
		info, err := node.GetNodeInfo()
		if err != nil {
			return nil, err
		}
		wire := toWireNodeInfo(info)
		return &Response{NodeInfo: &wire}, nil

	case req.GetNodeCount != nil:
		count, err := node.GetNodeCount()
		if err != nil {
			return nil, err
		}
		return &Response{NodeCount: uint32(count)}, nil

	case req.GetRandomNodes != nil:
		filter, err := filterFromWire(req.GetRandomNodes.Filter)
		if err != nil {
			return nil, err
		}
		nodes, err := node.GetRandomNodes(int(req.GetRandomNodes.MaxCount), filter)
		if err != nil {
			return nil, err
		}
		return &Response{Nodes: toWireNodeInfos(nodes)}, nil

	case req.GetClosestNodes != nil:
		return d.serveClosestNodes(req.GetClosestNodes)

	case req.AcceptColleague != nil:
		return d.serveRelation(req.AcceptColleague, node.AcceptColleague)
	case req.RenewColleague != nil:
		return d.serveRelation(req.RenewColleague, node.RenewColleague)
	case req.AcceptNeighbour != nil:
		return d.serveRelation(req.AcceptNeighbour, node.AcceptNeighbour)
	case req.RenewNeighbour != nil:
		return d.serveRelation(req.RenewNeighbour, node.RenewNeighbour)
	}
	return nil, E(BadRequest, "empty node request")
}

func (d *requestDispatcher) dispatchLocalService(req *LocalServiceRequest) (*Response, error) {
	node := d.node
	switch {
	case req.RegisterService != nil:
		info := ServiceInfo{
			Type: req.RegisterService.Type,
			Port: req.RegisterService.Port,
			Data: req.RegisterService.Data,
		}
		location, err := node.RegisterService(info)
		if err != nil {
			return nil, err
		}
		wire := toWireLocation(location)
		return &Response{Location: &wire}, nil

	case req.DeregisterService != nil:
		if err := node.DeregisterService(req.DeregisterService.Type); err != nil {
			return nil, err
		}
		return &Response{}, nil

	case req.GetNeighbourNodes != nil:
		neighbours, err := node.GetNeighbourNodesByDistance()
		if err != nil {
			return nil, err
		}
		if req.GetNeighbourNodes.KeepAliveAndSendUpdates {
			d.upgraded = true
		}
		return &Response{Nodes: toWireNodeInfos(neighbours)}, nil

	case req.NeighbourhoodChanged != nil:
		return nil, E(BadRequest, "neighbourhood change notifications are server-initiated")
	}
	return nil, E(BadRequest, "empty local service request")
}

func (d *requestDispatcher) dispatchClient(req *ClientRequest) (*Response, error) {
	node := d.node
	switch {
	case req.GetNodeInfo != nil:
		info, err := node.GetNodeInfo()
		if err != nil {
			return nil, err
		}
		wire := toWireNodeInfo(info)
		return &Response{NodeInfo: &wire}, nil

	case req.GetNeighbourNodes != nil:
		neighbours, err := node.GetNeighbourNodesByDistance()
		if err != nil {
			return nil, err
		}
		return &Response{Nodes: toWireNodeInfos(neighbours)}, nil

	case req.GetClosestNodes != nil:
		return d.serveClosestNodes(req.GetClosestNodes)

	case req.GetRandomNodes != nil:
		filter, err := filterFromWire(req.GetRandomNodes.Filter)
		if err != nil {
			return nil, err
		}
		nodes, err := node.GetRandomNodes(int(req.GetRandomNodes.MaxCount), filter)
		if err != nil {
			return nil, err
		}
		return &Response{Nodes: toWireNodeInfos(nodes)}, nil

	case req.ExploreNodes != nil:
		target, err := fromWireLocation(req.ExploreNodes.Location)
		if err != nil {
			return nil, err
		}
		nodes, err := node.ExploreNetworkNodesByDistance(target,
			int(req.ExploreNodes.TargetCount), int(req.ExploreNodes.MaxNodeHops))
		if err != nil {
			return nil, err
		}
		return &Response{Nodes: toWireNodeInfos(nodes)}, nil
	}
	return nil, E(BadRequest, "empty client request")
}

func (d *requestDispatcher) serveClosestNodes(req *GetClosestNodesRequest) (*Response, error) {
	from, err := fromWireLocation(req.Location)
	if err != nil {
		return nil, err
	}
	filter, err := filterFromWire(req.Filter)
	if err != nil {
		return nil, err
	}
	nodes, err := d.node.GetClosestNodesByDistance(from, req.RadiusKm, int(req.MaxCount), filter)
	if err != nil {
		return nil, err
	}
	return &Response{Nodes: toWireNodeInfos(nodes)}, nil
}

func (d *requestDispatcher) serveRelation(req *RelationRequest, accept func(NodeInfo) (NodeInfo, error)) (*Response, error) {
	candidate, err := fromWireNodeInfo(req.Node)
	if err != nil {
		return nil, err
	}
	self, err := accept(candidate)
	if err != nil {
		return nil, err
	}
	wire := toWireNodeInfo(self)
	return &Response{NodeInfo: &wire}, nil
}

func filterFromWire(value uint8) (NeighbourFilter, error) {
	if value > uint8(FilterExcludeNeighbours) {
		return FilterAny, Errf(BadRequest, "unknown neighbour filter %d", value)
	}
	return NeighbourFilter(value), nil
}
