package tests

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deuszex/iop-location-based-network/internal/node"
)

func TestSoloBootstrap(t *testing.T) {
	info := MakeNodeInfo("solo", 47.5, 19.0, 16970)
	n, err := node.NewNode(TestConfig(info))
	require.NoError(t, err)
	defer n.Close()

	// No peers is not a failure, the node simply stays alone.
	require.NoError(t, n.EnsureMapFilled(TestContext(t)))

	count, err := n.GetNodeCount()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	self, ok := n.Store().Load("solo")
	require.True(t, ok)
	assert.Equal(t, node.RelationSelf, self.Relation)
}

func TestTwoNodeJoinOverTCP(t *testing.T) {
	infoA := MakeNodeInfo("node-a", 47.5, 19.0, 16980)
	infoB := MakeNodeInfo("node-b", 48.2, 16.4, 16981)

	nodeA := StartTestNode(t, infoA)
	nodeB := StartTestNode(t, infoB, infoA.Profile.NodeEndpoint)

	require.NoError(t, nodeB.EnsureMapFilled(TestContext(t)))

	// Both sides end up with the other as their single neighbour.
	entryA, ok := nodeB.Store().Load("node-a")
	require.True(t, ok)
	assert.Equal(t, node.RelationNeighbour, entryA.Relation)
	assert.Equal(t, node.RoleInitiator, entryA.Role)

	require.Eventually(t, func() bool {
		entry, ok := nodeA.Store().Load("node-b")
		return ok && entry.Relation == node.RelationNeighbour
	}, 5*time.Second, 50*time.Millisecond)
	entryB, _ := nodeA.Store().Load("node-b")
	assert.Equal(t, node.RoleAcceptor, entryB.Role)

	neighboursA, err := nodeA.GetNeighbourNodesByDistance()
	require.NoError(t, err)
	require.Len(t, neighboursA, 1)
	assert.Equal(t, node.NodeID("node-b"), neighboursA[0].Profile.ID)

	neighboursB, err := nodeB.GetNeighbourNodesByDistance()
	require.NoError(t, err)
	require.Len(t, neighboursB, 1)
	assert.Equal(t, node.NodeID("node-a"), neighboursB[0].Profile.ID)
}

func TestProxyRoundTrip(t *testing.T) {
	info := MakeNodeInfo("server", 47.5, 19.0, 16985)
	n := StartTestNode(t, info)

	factory := node.NewTCPProxyFactory(5*time.Second, nil, nil)
	proxy, err := factory.ConnectTo(info.Profile.NodeEndpoint)
	require.NoError(t, err)
	defer proxy.(*node.RemoteNode).Close()

	remote, err := proxy.GetNodeInfo()
	require.NoError(t, err)
	selfInfo, err := n.GetNodeInfo()
	require.NoError(t, err)
	assert.Equal(t, selfInfo, remote)

	count, err := proxy.GetNodeCount()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Errors keep their kind across the wire.
	_, err = proxy.RenewColleague(MakeNodeInfo("stranger", 1, 1, 17000))
	require.Error(t, err)
	assert.Equal(t, node.NotFound, node.KindOf(err))
}

func TestProxyAcceptColleagueOverTCP(t *testing.T) {
	infoA := MakeNodeInfo("accept-a", 47.5, 19.0, 16986)
	infoB := MakeNodeInfo("accept-b", 48.2, 16.4, 16987)
	nodeA := StartTestNode(t, infoA)

	factory := node.NewTCPProxyFactory(5*time.Second, nil, nil)
	proxy, err := factory.ConnectTo(infoA.Profile.NodeEndpoint)
	require.NoError(t, err)
	defer proxy.(*node.RemoteNode).Close()

	remoteSelf, err := proxy.AcceptColleague(infoB)
	require.NoError(t, err)
	assert.Equal(t, node.NodeID("accept-a"), remoteSelf.Profile.ID)

	entry, ok := nodeA.Store().Load("accept-b")
	require.True(t, ok)
	assert.Equal(t, node.RelationColleague, entry.Relation)

	// Upgrading to a neighbour relation keeps a single entry.
	_, err = proxy.AcceptNeighbour(infoB)
	require.NoError(t, err)
	entry, _ = nodeA.Store().Load("accept-b")
	assert.Equal(t, node.RelationNeighbour, entry.Relation)
	count, _ := nodeA.GetNodeCount()
	assert.Equal(t, 1, count)
}

func TestNotificationUpgrade(t *testing.T) {
	info := MakeNodeInfo("notify", 47.5, 19.0, 16990)
	n := StartTestNode(t, info)

	session, err := node.DialSession(info.Profile.NodeEndpoint, 5*time.Second)
	require.NoError(t, err)
	defer session.Close()

	// Ask for the neighbour list with the keep-alive flag.
	require.NoError(t, session.Send(&node.Message{ID: 7, Request: &node.Request{
		LocalService: &node.LocalServiceRequest{
			GetNeighbourNodes: &node.GetNeighbourNodesRequest{KeepAliveAndSendUpdates: true},
		},
	}}))
	resp, err := session.Receive()
	require.NoError(t, err)
	require.NotNil(t, resp.Response)
	assert.Equal(t, uint32(node.OK), resp.Response.Status)
	assert.Equal(t, uint32(7), resp.ID)
	assert.Empty(t, resp.Response.Nodes)

	// The session is retained as a change listener after the response.
	require.Eventually(t, func() bool {
		return n.Store().ListenerRegistry().Count() == 1
	}, 5*time.Second, 20*time.Millisecond)

	// A successful neighbour acceptance pushes a change through the session.
	accepted := MakeNodeInfo("newcomer", 47.6, 19.1, 17001)
	var wg sync.WaitGroup
	wg.Add(1)
	var acceptErr error
	go func() {
		defer wg.Done()
		_, acceptErr = n.AcceptNeighbour(accepted)
	}()

	session.KeepAlive()
	change, err := session.Receive()
	require.NoError(t, err)
	require.NotNil(t, change.Request)
	require.NotNil(t, change.Request.LocalService)
	require.NotNil(t, change.Request.LocalService.NeighbourhoodChanged)
	changes := change.Request.LocalService.NeighbourhoodChanged.Changes
	require.Len(t, changes, 1)
	require.NotNil(t, changes[0].AddedNodeInfo)
	assert.Equal(t, []byte("newcomer"), changes[0].AddedNodeInfo.NodeID)

	// Acknowledge the notification so the acceptance can finish.
	require.NoError(t, session.Send(&node.Message{ID: change.ID, Response: &node.Response{Status: uint32(node.OK)}}))
	wg.Wait()
	require.NoError(t, acceptErr)
}

func TestDispatchRejectsMessageWithoutRequest(t *testing.T) {
	info := MakeNodeInfo("strict", 47.5, 19.0, 16992)
	StartTestNode(t, info)

	session, err := node.DialSession(info.Profile.NodeEndpoint, 5*time.Second)
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, session.Send(&node.Message{ID: 3}))
	resp, err := session.Receive()
	require.NoError(t, err)
	require.NotNil(t, resp.Response)
	assert.Equal(t, uint32(node.BadRequest), resp.Response.Status)
	assert.NotEmpty(t, resp.Response.Details)
}

func TestExploreNetworkNodesByDistance(t *testing.T) {
	network := NewInProcessNetwork()

	// A chain of nodes on a grid; each only knows its direct neighbours in
	// the chain, so reaching the far end takes hops.
	const chainLen = 10
	nodes := make([]*node.Node, chainLen)
	infos := make([]node.NodeInfo, chainLen)
	for i := 0; i < chainLen; i++ {
		infos[i] = GridInfo(i, 17100)
		nodes[i] = StartMockedNode(t, network, infos[i])
	}
	for i := 0; i < chainLen; i++ {
		if i > 0 {
			_, err := nodes[i].AcceptColleague(infos[i-1])
			require.NoError(t, err)
		}
		if i < chainLen-1 {
			_, err := nodes[i].AcceptColleague(infos[i+1])
			require.NoError(t, err)
		}
	}

	target := infos[chainLen-1].Location
	found, err := nodes[0].ExploreNetworkNodesByDistance(target, 8, 4)
	require.NoError(t, err)
	require.NotEmpty(t, found)
	assert.LessOrEqual(t, len(found), 8)
	assert.Greater(t, len(found), 2, "the walk must reach past direct knowledge")

	for i := 1; i < len(found); i++ {
		di := node.DistanceKm(target, found[i-1].Location)
		dj := node.DistanceKm(target, found[i].Location)
		assert.LessOrEqual(t, di, dj, "explore result must be sorted by distance to target")
	}

	_, err = nodes[0].ExploreNetworkNodesByDistance(node.GpsLocation{Latitude: 200}, 5, 3)
	require.Error(t, err)
	assert.Equal(t, node.InvalidValue, node.KindOf(err))
}

func TestRenewalSweep(t *testing.T) {
	network := NewInProcessNetwork()
	infoA := MakeNodeInfo("renew-a", 47.5, 19.0, 17200)
	infoB := MakeNodeInfo("renew-b", 48.2, 16.4, 17201)

	nodeB := StartMockedNode(t, network, infoB)
	nodeA := StartMockedNode(t, network, infoA, infoB.Profile.NodeEndpoint)

	require.NoError(t, nodeA.EnsureMapFilled(TestContext(t)))
	entry, ok := nodeA.Store().Load("renew-b")
	require.True(t, ok)
	require.Equal(t, node.RoleInitiator, entry.Role)
	before := entry.ExpiresAt

	// A renewal pass against a live peer advances the expiry.
	time.Sleep(10 * time.Millisecond)
	nodeA.RenewNodeRelations()
	entry, _ = nodeA.Store().Load("renew-b")
	assert.True(t, entry.ExpiresAt.After(before))

	// When the peer forgets us, the refusal drops the relation.
	require.NoError(t, nodeB.Store().Remove("renew-a"))
	nodeA.RenewNodeRelations()
	_, ok = nodeA.Store().Load("renew-b")
	assert.False(t, ok)
}

func TestJoinThroughMockedSeed(t *testing.T) {
	network := NewInProcessNetwork()

	// Seed plus a handful of nodes the seed already knows.
	seedInfo := MakeNodeInfo("seed", 45.0, 12.0, 17300)
	seed := StartMockedNode(t, network, seedInfo)
	for i := 0; i < 4; i++ {
		info := GridInfo(i, 17310)
		StartMockedNode(t, network, info)
		_, err := seed.AcceptColleague(info)
		require.NoError(t, err)
	}

	joiner := StartMockedNode(t, network, MakeNodeInfo("joiner", 45.1, 12.1, 17320), seedInfo.Profile.NodeEndpoint)
	require.NoError(t, joiner.EnsureMapFilled(TestContext(t)))

	count, err := joiner.GetNodeCount()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 4, "join must pick up the seed's world")

	neighbours, err := joiner.GetNeighbourNodesByDistance()
	require.NoError(t, err)
	assert.NotEmpty(t, neighbours)

	// The joiner's own id resolves to its Self entry, and the neighbourhood
	// cap holds.
	_, selfStored := joiner.Store().Load("joiner")
	assert.True(t, selfStored) // the Self entry itself
	assert.LessOrEqual(t, len(neighbours), 5)
}

func TestChangeCounterSeesJoinTraffic(t *testing.T) {
	network := NewInProcessNetwork()
	infoA := MakeNodeInfo("count-a", 47.5, 19.0, 17400)
	infoB := MakeNodeInfo("count-b", 48.2, 16.4, 17401)

	StartMockedNode(t, network, infoB)
	nodeA := StartMockedNode(t, network, infoA, infoB.Profile.NodeEndpoint)

	counter := &ChangeCounter{ID: "counter"}
	nodeA.AddListener(counter)

	require.NoError(t, nodeA.EnsureMapFilled(TestContext(t)))

	added, updated, _ := counter.Counts()
	assert.GreaterOrEqual(t, added, 1)
	assert.GreaterOrEqual(t, updated, 1, "the colleague entry is upgraded to neighbour")
	nodeA.RemoveListener("counter")
}
