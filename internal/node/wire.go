package node

import (
	"github.com/fxamacker/cbor/v2"
)

// Wire message vocabulary. Bodies are CBOR maps with integer keys; the outer
// envelope pairs a 32-bit id with exactly one of request or response.
// Responses echo the request's id.

// ProtocolVersion is stamped on every outbound request.
var ProtocolVersion = []byte{1, 0, 0}

type Message struct {
	ID       uint32    `cbor:"1,keyasint"`
	Request  *Request  `cbor:"2,keyasint,omitempty"`
	Response *Response `cbor:"3,keyasint,omitempty"`
}

// Request is a union of the three role-scoped request sets. Exactly one of
// the role fields is set.
type Request struct {
	Version      []byte               `cbor:"1,keyasint,omitempty"`
	LocalService *LocalServiceRequest `cbor:"2,keyasint,omitempty"`
	Node         *NodeRequest         `cbor:"3,keyasint,omitempty"`
	Client       *ClientRequest       `cbor:"4,keyasint,omitempty"`
}

// NodeRequest carries the peer-facing operations. Exactly one field is set.
type NodeRequest struct {
	GetNodeInfo     *GetNodeInfoRequest     `cbor:"1,keyasint,omitempty"`
	GetNodeCount    *GetNodeCountRequest    `cbor:"2,keyasint,omitempty"`
	GetRandomNodes  *GetRandomNodesRequest  `cbor:"3,keyasint,omitempty"`
	GetClosestNodes *GetClosestNodesRequest `cbor:"4,keyasint,omitempty"`
	AcceptColleague *RelationRequest        `cbor:"5,keyasint,omitempty"`
	RenewColleague  *RelationRequest        `cbor:"6,keyasint,omitempty"`
	AcceptNeighbour *RelationRequest        `cbor:"7,keyasint,omitempty"`
	RenewNeighbour  *RelationRequest        `cbor:"8,keyasint,omitempty"`
}

// LocalServiceRequest carries the collocated-service operations.
type LocalServiceRequest struct {
	RegisterService      *RegisterServiceRequest      `cbor:"1,keyasint,omitempty"`
	DeregisterService    *DeregisterServiceRequest    `cbor:"2,keyasint,omitempty"`
	GetNeighbourNodes    *GetNeighbourNodesRequest    `cbor:"3,keyasint,omitempty"`
	NeighbourhoodChanged *NeighbourhoodChangedRequest `cbor:"4,keyasint,omitempty"`
}

// ClientRequest carries the application-facing operations.
type ClientRequest struct {
	GetNodeInfo       *GetNodeInfoRequest     `cbor:"1,keyasint,omitempty"`
	GetNeighbourNodes *GetNeighbourNodesRequest `cbor:"2,keyasint,omitempty"`
	GetClosestNodes   *GetClosestNodesRequest `cbor:"3,keyasint,omitempty"`
	GetRandomNodes    *GetRandomNodesRequest  `cbor:"4,keyasint,omitempty"`
	ExploreNodes      *ExploreNodesRequest    `cbor:"5,keyasint,omitempty"`
}

type GetNodeInfoRequest struct{}

type GetNodeCountRequest struct{}

type GetRandomNodesRequest struct {
	MaxCount uint32 `cbor:"1,keyasint"`
	Filter   uint8  `cbor:"2,keyasint,omitempty"`
}

type GetClosestNodesRequest struct {
	Location WireLocation `cbor:"1,keyasint"`
	RadiusKm float32      `cbor:"2,keyasint"`
	MaxCount uint32       `cbor:"3,keyasint"`
	Filter   uint8        `cbor:"4,keyasint,omitempty"`
}

type RelationRequest struct {
	Node WireNodeInfo `cbor:"1,keyasint"`
}

type RegisterServiceRequest struct {
	Type ServiceType `cbor:"1,keyasint"`
	Port uint16      `cbor:"2,keyasint"`
	Data []byte      `cbor:"3,keyasint,omitempty"`
}

type DeregisterServiceRequest struct {
	Type ServiceType `cbor:"1,keyasint"`
}

type GetNeighbourNodesRequest struct {
	KeepAliveAndSendUpdates bool `cbor:"1,keyasint,omitempty"`
}

// NeighbourhoodChangedRequest is server-initiated: after a keep-alive upgrade
// the node pushes it to the collocated service whenever the neighbourhood
// changes. Each change carries exactly one of the three fields.
type NeighbourhoodChangedRequest struct {
	Changes []WireNeighbourhoodChange `cbor:"1,keyasint"`
}

type WireNeighbourhoodChange struct {
	AddedNodeInfo   *WireNodeInfo `cbor:"1,keyasint,omitempty"`
	UpdatedNodeInfo *WireNodeInfo `cbor:"2,keyasint,omitempty"`
	RemovedNodeID   []byte        `cbor:"3,keyasint,omitempty"`
}

type ExploreNodesRequest struct {
	Location     WireLocation `cbor:"1,keyasint"`
	TargetCount  uint32       `cbor:"2,keyasint"`
	MaxNodeHops  uint32       `cbor:"3,keyasint"`
}

// Response carries a status code from the error taxonomy plus the payload of
// the operation. A non-OK status implies every payload field is absent.
type Response struct {
	Status    uint32         `cbor:"1,keyasint"`
	Details   string         `cbor:"2,keyasint,omitempty"`
	NodeInfo  *WireNodeInfo  `cbor:"3,keyasint,omitempty"`
	Nodes     []WireNodeInfo `cbor:"4,keyasint,omitempty"`
	NodeCount uint32         `cbor:"5,keyasint,omitempty"`
	Location  *WireLocation  `cbor:"6,keyasint,omitempty"`
}

type WireLocation struct {
	Latitude  float64 `cbor:"1,keyasint"`
	Longitude float64 `cbor:"2,keyasint"`
}

type WireNodeInfo struct {
	NodeID        []byte       `cbor:"1,keyasint"`
	NodeAddress   string       `cbor:"2,keyasint"`
	NodePort      uint16       `cbor:"3,keyasint"`
	ClientAddress string       `cbor:"4,keyasint"`
	ClientPort    uint16       `cbor:"5,keyasint"`
	Location      WireLocation `cbor:"6,keyasint"`
}

func toWireLocation(l GpsLocation) WireLocation {
	return WireLocation{Latitude: l.Latitude, Longitude: l.Longitude}
}

func fromWireLocation(w WireLocation) (GpsLocation, error) {
	return NewGpsLocation(w.Latitude, w.Longitude)
}

func toWireNodeInfo(info NodeInfo) WireNodeInfo {
	return WireNodeInfo{
		NodeID:        []byte(info.Profile.ID),
		NodeAddress:   string(info.Profile.NodeEndpoint.Address),
		NodePort:      info.Profile.NodeEndpoint.Port,
		ClientAddress: string(info.Profile.ClientEndpoint.Address),
		ClientPort:    info.Profile.ClientEndpoint.Port,
		Location:      toWireLocation(info.Location),
	}
}

func toWireNodeInfos(infos []NodeInfo) []WireNodeInfo {
	out := make([]WireNodeInfo, len(infos))
	for i, info := range infos {
		out[i] = toWireNodeInfo(info)
	}
	return out
}

func fromWireNodeInfo(w WireNodeInfo) (NodeInfo, error) {
	loc, err := fromWireLocation(w.Location)
	if err != nil {
		return NodeInfo{}, err
	}
	info := NodeInfo{
		Profile: NodeProfile{
			ID:             NodeID(w.NodeID),
			NodeEndpoint:   NetworkEndpoint{Address: Address(w.NodeAddress), Port: w.NodePort},
			ClientEndpoint: NetworkEndpoint{Address: Address(w.ClientAddress), Port: w.ClientPort},
		},
		Location: loc,
	}
	if err := info.Validate(); err != nil {
		return NodeInfo{}, err
	}
	return info, nil
}

func fromWireNodeInfos(ws []WireNodeInfo) ([]NodeInfo, error) {
	out := make([]NodeInfo, 0, len(ws))
	for _, w := range ws {
		info, err := fromWireNodeInfo(w)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

var wireEncMode cbor.EncMode

func init() {
	mode, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	wireEncMode = mode
}

// EncodeMessage serializes a wire message.
func EncodeMessage(msg *Message) ([]byte, error) {
	data, err := wireEncMode.Marshal(msg)
	if err != nil {
		return nil, Wrap(Internal, err, "encode message")
	}
	return data, nil
}

// DecodeMessage parses a wire message body.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, Wrap(ProtocolViolation, err, "decode message")
	}
	return &msg, nil
}
