package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wireInfoFixture(id string) WireNodeInfo {
	return WireNodeInfo{
		NodeID:        []byte(id),
		NodeAddress:   "10.1.2.3",
		NodePort:      16980,
		ClientAddress: "10.1.2.3",
		ClientPort:    16981,
		Location:      WireLocation{Latitude: 47.5, Longitude: 19.0},
	}
}

func roundTrip(t *testing.T, msg *Message) *Message {
	t.Helper()
	data, err := EncodeMessage(msg)
	require.NoError(t, err)
	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	return decoded
}

func TestWireRoundTrip_NodeRequests(t *testing.T) {
	info := wireInfoFixture("node-1")
	messages := []*Message{
		{ID: 1, Request: &Request{Version: ProtocolVersion, Node: &NodeRequest{GetNodeInfo: &GetNodeInfoRequest{}}}},
		{ID: 2, Request: &Request{Version: ProtocolVersion, Node: &NodeRequest{GetNodeCount: &GetNodeCountRequest{}}}},
		{ID: 3, Request: &Request{Version: ProtocolVersion, Node: &NodeRequest{
			GetRandomNodes: &GetRandomNodesRequest{MaxCount: 10, Filter: uint8(FilterExcludeNeighbours)},
		}}},
		{ID: 4, Request: &Request{Version: ProtocolVersion, Node: &NodeRequest{
			GetClosestNodes: &GetClosestNodesRequest{
				Location: WireLocation{Latitude: -33.9, Longitude: 151.2},
				RadiusKm: 500, MaxCount: 7, Filter: uint8(FilterNeighboursOnly),
			},
		}}},
		{ID: 5, Request: &Request{Version: ProtocolVersion, Node: &NodeRequest{AcceptColleague: &RelationRequest{Node: info}}}},
		{ID: 6, Request: &Request{Version: ProtocolVersion, Node: &NodeRequest{RenewNeighbour: &RelationRequest{Node: info}}}},
	}
	for _, msg := range messages {
		assert.Equal(t, msg, roundTrip(t, msg))
	}
}

func TestWireRoundTrip_LocalServiceAndClient(t *testing.T) {
	info := wireInfoFixture("node-2")
	messages := []*Message{
		{ID: 10, Request: &Request{Version: ProtocolVersion, LocalService: &LocalServiceRequest{
			RegisterService: &RegisterServiceRequest{Type: "profile-server", Port: 20000, Data: []byte{1, 2}},
		}}},
		{ID: 11, Request: &Request{Version: ProtocolVersion, LocalService: &LocalServiceRequest{
			DeregisterService: &DeregisterServiceRequest{Type: "profile-server"},
		}}},
		{ID: 12, Request: &Request{Version: ProtocolVersion, LocalService: &LocalServiceRequest{
			GetNeighbourNodes: &GetNeighbourNodesRequest{KeepAliveAndSendUpdates: true},
		}}},
		{ID: 13, Request: &Request{Version: ProtocolVersion, LocalService: &LocalServiceRequest{
			NeighbourhoodChanged: &NeighbourhoodChangedRequest{Changes: []WireNeighbourhoodChange{
				{AddedNodeInfo: &info},
				{UpdatedNodeInfo: &info},
				{RemovedNodeID: []byte("node-3")},
			}},
		}}},
		{ID: 14, Request: &Request{Version: ProtocolVersion, Client: &ClientRequest{
			ExploreNodes: &ExploreNodesRequest{
				Location: WireLocation{Latitude: 1.35, Longitude: 103.8}, TargetCount: 30, MaxNodeHops: 5,
			},
		}}},
	}
	for _, msg := range messages {
		assert.Equal(t, msg, roundTrip(t, msg))
	}
}

func TestWireRoundTrip_Responses(t *testing.T) {
	info := wireInfoFixture("node-4")
	messages := []*Message{
		{ID: 20, Response: &Response{Status: uint32(OK), NodeInfo: &info}},
		{ID: 21, Response: &Response{Status: uint32(OK), Nodes: []WireNodeInfo{info, wireInfoFixture("node-5")}}},
		{ID: 22, Response: &Response{Status: uint32(OK), NodeCount: 42}},
		{ID: 23, Response: &Response{Status: uint32(OK), Location: &WireLocation{Latitude: 47.5, Longitude: 19.0}}},
		{ID: 24, Response: &Response{Status: uint32(AlreadyExists), Details: "node is already a neighbour"}},
	}
	for _, msg := range messages {
		assert.Equal(t, msg, roundTrip(t, msg))
	}
}

func TestFromWireNodeInfo_RejectsMalformed(t *testing.T) {
	bad := wireInfoFixture("node-6")
	bad.NodeAddress = "not-an-ip"
	_, err := fromWireNodeInfo(bad)
	require.Error(t, err)
	assert.Equal(t, InvalidValue, KindOf(err))

	bad = wireInfoFixture("")
	bad.NodeID = nil
	_, err = fromWireNodeInfo(bad)
	require.Error(t, err)

	bad = wireInfoFixture("node-7")
	bad.Location.Latitude = 123
	_, err = fromWireNodeInfo(bad)
	require.Error(t, err)
	assert.Equal(t, InvalidValue, KindOf(err))
}

func TestDecodeMessage_Garbage(t *testing.T) {
	_, err := DecodeMessage([]byte{0xff, 0x00, 0x13, 0x37})
	require.Error(t, err)
	assert.Equal(t, ProtocolViolation, KindOf(err))
}
