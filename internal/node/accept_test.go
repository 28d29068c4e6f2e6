package node

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acceptTestNode(t *testing.T, neighbourhoodTarget int) (*Node, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	cfg := DefaultConfig()
	cfg.NodeInfo = testInfo("self", 47.5, 19.0)
	cfg.NeighbourhoodTargetSize = neighbourhoodTarget
	cfg.BubbleScaleKm = 25

	n, err := NewNode(cfg, WithClock(mock))
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n, mock
}

func TestAcceptColleague(t *testing.T) {
	n, _ := acceptTestNode(t, 5)
	candidate := testInfo("b", 48.2, 16.4)

	self, err := n.AcceptColleague(candidate)
	require.NoError(t, err)
	assert.Equal(t, NodeID("self"), self.Profile.ID)

	entry, ok := n.store.Load("b")
	require.True(t, ok)
	assert.Equal(t, RelationColleague, entry.Relation)
	assert.Equal(t, RoleAcceptor, entry.Role)

	// Accepting again acts as a renewal, not a conflict.
	_, err = n.AcceptColleague(candidate)
	require.NoError(t, err)
}

func TestAcceptColleague_Rejections(t *testing.T) {
	n, _ := acceptTestNode(t, 5)

	_, err := n.AcceptColleague(testInfo("self", 1, 1))
	require.Error(t, err)
	assert.Equal(t, InvalidValue, KindOf(err))

	loopback := testInfo("l", 1, 1)
	loopback.Profile.NodeEndpoint.Address = "127.0.0.1"
	_, err = n.AcceptColleague(loopback)
	require.Error(t, err)
	assert.Equal(t, InvalidValue, KindOf(err))

	malformed := testInfo("m", 1, 1)
	malformed.Location.Latitude = 95
	_, err = n.AcceptColleague(malformed)
	require.Error(t, err)
	assert.Equal(t, InvalidValue, KindOf(err))

	// A neighbour must not be demoted by a colleague request.
	neighbour := testInfo("nb", 47.6, 19.1)
	_, err = n.AcceptNeighbour(neighbour)
	require.NoError(t, err)
	_, err = n.AcceptColleague(neighbour)
	require.Error(t, err)
	assert.Equal(t, AlreadyExists, KindOf(err))
}

func TestAcceptNeighbour_BubbleOverlap(t *testing.T) {
	n, _ := acceptTestNode(t, 5)

	// First neighbour comes in while the map is empty, bubbles have zero
	// radius and nothing can overlap.
	b := testInfo("b", 48.2, 16.4)
	_, err := n.AcceptNeighbour(b)
	require.NoError(t, err)

	// A third node nearly on top of us: with one known node the bubble is
	// 25*log10(2) km around both sides, so it overlaps Self.
	c := testInfo("c", 47.5001, 19.0001)
	_, err = n.AcceptNeighbour(c)
	require.Error(t, err)
	assert.Equal(t, InvalidState, KindOf(err))

	// The node stays reachable as a colleague only.
	_, err = n.AcceptColleague(c)
	require.NoError(t, err)
	entry, ok := n.store.Load("c")
	require.True(t, ok)
	assert.Equal(t, RelationColleague, entry.Relation)
}

func TestAcceptNeighbour_CapacityEviction(t *testing.T) {
	n, _ := acceptTestNode(t, 2)
	self := n.store.ThisNode().Location

	// Two neighbours at roughly 100 km and 500 km.
	near := testInfo("near", self.Latitude+0.9, self.Longitude)
	far := testInfo("far", self.Latitude+4.5, self.Longitude)
	_, err := n.AcceptNeighbour(near)
	require.NoError(t, err)
	_, err = n.AcceptNeighbour(far)
	require.NoError(t, err)
	require.Equal(t, 2, n.store.GetNodeCountByRelation(RelationNeighbour))

	recorder := &changeRecorder{id: "recorder"}
	n.store.ListenerRegistry().Register(recorder)

	// A candidate at ~300 km beats the 500 km neighbour.
	mid := testInfo("mid", self.Latitude+2.7, self.Longitude)
	_, err = n.AcceptNeighbour(mid)
	require.NoError(t, err)

	assert.Equal(t, 2, n.store.GetNodeCountByRelation(RelationNeighbour))
	_, ok := n.store.Load("far")
	assert.False(t, ok)
	_, ok = n.store.Load("mid")
	assert.True(t, ok)
	assert.Equal(t, []string{"removed:far", "added:mid"}, recorder.history)
}

func TestAcceptNeighbour_CapacityReject(t *testing.T) {
	n, _ := acceptTestNode(t, 2)
	self := n.store.ThisNode().Location

	_, err := n.AcceptNeighbour(testInfo("near", self.Latitude+0.9, self.Longitude))
	require.NoError(t, err)
	_, err = n.AcceptNeighbour(testInfo("far", self.Latitude+4.5, self.Longitude))
	require.NoError(t, err)

	// Farther than both existing neighbours: refused, count stays capped.
	_, err = n.AcceptNeighbour(testInfo("vast", self.Latitude+6.0, self.Longitude))
	require.Error(t, err)
	assert.Equal(t, InvalidState, KindOf(err))
	assert.Equal(t, 2, n.store.GetNodeCountByRelation(RelationNeighbour))
}

func TestAcceptNeighbour_RepeatActsAsRenewal(t *testing.T) {
	n, mock := acceptTestNode(t, 2)
	b := testInfo("b", 48.2, 16.4)

	_, err := n.AcceptNeighbour(b)
	require.NoError(t, err)
	before, _ := n.store.Load("b")

	mock.Add(30 * time.Second)
	_, err = n.AcceptNeighbour(b)
	require.NoError(t, err)
	after, _ := n.store.Load("b")
	assert.True(t, after.ExpiresAt.After(before.ExpiresAt))
	assert.Equal(t, RelationNeighbour, after.Relation)
}

func TestRenewRelations(t *testing.T) {
	n, mock := acceptTestNode(t, 5)

	_, err := n.RenewColleague(testInfo("ghost", 1, 1))
	require.Error(t, err)
	assert.Equal(t, NotFound, KindOf(err))

	b := testInfo("b", 48.2, 16.4)
	_, err = n.AcceptColleague(b)
	require.NoError(t, err)
	before, _ := n.store.Load("b")

	mock.Add(10 * time.Second)
	_, err = n.RenewColleague(b)
	require.NoError(t, err)
	after, _ := n.store.Load("b")
	assert.True(t, after.ExpiresAt.After(before.ExpiresAt))
	assert.Equal(t, RelationColleague, after.Relation)
	assert.Equal(t, before.Role, after.Role)
}

func TestNeighbourCountNeverExceedsTarget(t *testing.T) {
	n, _ := acceptTestNode(t, 3)
	self := n.store.ThisNode().Location

	// A storm of candidates at mixed distances; the cap must hold after
	// every single acceptance.
	for i := 1; i <= 12; i++ {
		candidate := testInfo(
			string(rune('a'+i))+"-node",
			self.Latitude+float64(i%7)*0.8+0.4,
			self.Longitude+float64(i%3),
		)
		_, _ = n.AcceptNeighbour(candidate)
		assert.LessOrEqual(t, n.store.GetNodeCountByRelation(RelationNeighbour), 3)
	}
}

func TestRegisterService(t *testing.T) {
	n, _ := acceptTestNode(t, 5)

	location, err := n.RegisterService(ServiceInfo{Type: "profile-server", Port: 20000})
	require.NoError(t, err)
	assert.Equal(t, n.store.ThisNode().Location, location)

	require.NoError(t, n.DeregisterService("profile-server"))
	err = n.DeregisterService("profile-server")
	require.Error(t, err)
	assert.Equal(t, NotFound, KindOf(err))

	_, err = n.RegisterService(ServiceInfo{Type: "", Port: 1})
	require.Error(t, err)
	assert.Equal(t, InvalidValue, KindOf(err))
}

func TestDetectedExternalAddress(t *testing.T) {
	n, _ := acceptTestNode(t, 5)
	recorder := &changeRecorder{id: "recorder"}
	n.store.ListenerRegistry().Register(recorder)

	// A single report is not enough.
	n.DetectedExternalAddress("198.51.100.7", "peer-1")
	assert.Equal(t, Address("10.0.0.1"), n.store.ThisNode().Profile.NodeEndpoint.Address)

	// Loopback and garbage reports are ignored outright.
	n.DetectedExternalAddress("127.0.0.1", "peer-2")
	n.DetectedExternalAddress("not-an-ip", "peer-3")

	// A second distinct source corroborates the switch.
	n.DetectedExternalAddress("198.51.100.7", "peer-4")
	self := n.store.ThisNode()
	assert.Equal(t, Address("198.51.100.7"), self.Profile.NodeEndpoint.Address)
	assert.Equal(t, Address("198.51.100.7"), self.Profile.ClientEndpoint.Address)
	assert.Equal(t, []string{"updated:self"}, recorder.history)
}
