package node

import (
	"time"
)

// NodeID is an opaque byte string identifying a node. Equality is byte
// equality; uniqueness within the overlay is assumed, not enforced.
type NodeID string

// RelationType describes how an entry relates to the owning node.
type RelationType uint8

const (
	RelationSelf RelationType = iota
	RelationColleague
	RelationNeighbour
)

func (r RelationType) String() string {
	switch r {
	case RelationSelf:
		return "self"
	case RelationColleague:
		return "colleague"
	case RelationNeighbour:
		return "neighbour"
	default:
		return "unknown"
	}
}

// RoleType records which side requested a relation. The initiator is
// responsible for renewing it.
type RoleType uint8

const (
	RoleInitiator RoleType = iota
	RoleAcceptor
)

func (r RoleType) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "acceptor"
}

// NeighbourFilter narrows store queries by relation type.
type NeighbourFilter uint8

const (
	FilterAny NeighbourFilter = iota
	FilterNeighboursOnly
	FilterExcludeNeighbours
)

func (f NeighbourFilter) matches(relation RelationType) bool {
	switch f {
	case FilterNeighboursOnly:
		return relation == RelationNeighbour
	case FilterExcludeNeighbours:
		return relation != RelationNeighbour
	default:
		return true
	}
}

// NodeProfile is a node identity plus its two contact endpoints: one for the
// node-to-node protocol and one for the client protocol.
type NodeProfile struct {
	ID             NodeID
	NodeEndpoint   NetworkEndpoint
	ClientEndpoint NetworkEndpoint
}

func (p NodeProfile) Validate() error {
	if len(p.ID) == 0 {
		return E(InvalidValue, "empty node id")
	}
	if err := p.NodeEndpoint.Validate(); err != nil {
		return err
	}
	return p.ClientEndpoint.Validate()
}

// NodeInfo is the publicly advertised description of a node.
type NodeInfo struct {
	Profile  NodeProfile
	Location GpsLocation
}

func (i NodeInfo) Validate() error {
	if err := i.Profile.Validate(); err != nil {
		return err
	}
	return i.Location.Validate()
}

// NodeDbEntry is a NodeInfo as stored locally, together with the relation it
// represents and its expiration. A zero ExpiresAt marks the entry as
// non-expiring.
type NodeDbEntry struct {
	NodeInfo
	Relation  RelationType
	Role      RoleType
	ExpiresAt time.Time
}

func (e NodeDbEntry) expiring() bool { return !e.ExpiresAt.IsZero() }

// ServiceType names a kind of collocated application service.
type ServiceType string

// ServiceInfo describes a service registered on the same host as the node.
type ServiceInfo struct {
	Type ServiceType
	Port uint16
	Data []byte
}

func (s ServiceInfo) Validate() error {
	if s.Type == "" {
		return E(InvalidValue, "empty service type")
	}
	if s.Port == 0 {
		return Errf(InvalidValue, "service %s has no port", s.Type)
	}
	return nil
}
