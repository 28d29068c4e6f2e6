package node

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// NeighbourhoodNotifier bridges a long-lived inbound session to the store's
// change events. For every Added/Updated/Removed event on a Neighbour entry
// it pushes a NeighbourhoodChange request back to the collocated service that
// asked for updates; other events are ignored. Any send failure deregisters
// the listener and releases the session.
type NeighbourhoodNotifier struct {
	sessionID SessionID
	session   *Session
	local     LocalServiceMethods
	log       *zap.Logger

	nextID    uint32
	closeOnce sync.Once
}

func NewNeighbourhoodNotifier(session *Session, local LocalServiceMethods, log *zap.Logger) *NeighbourhoodNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	session.KeepAlive()
	return &NeighbourhoodNotifier{
		sessionID: session.ID(),
		session:   session,
		local:     local,
		log:       log,
	}
}

func (b *NeighbourhoodNotifier) SessionID() SessionID { return b.sessionID }

func (b *NeighbourhoodNotifier) OnRegistered() {
	b.log.Debug("Neighbourhood notifier registered", zap.String("session", string(b.sessionID)))
}

func (b *NeighbourhoodNotifier) AddedNode(entry NodeDbEntry) error {
	if entry.Relation != RelationNeighbour {
		return nil
	}
	wire := toWireNodeInfo(entry.NodeInfo)
	return b.sendChange(WireNeighbourhoodChange{AddedNodeInfo: &wire})
}

func (b *NeighbourhoodNotifier) UpdatedNode(entry NodeDbEntry) error {
	if entry.Relation != RelationNeighbour {
		return nil
	}
	wire := toWireNodeInfo(entry.NodeInfo)
	return b.sendChange(WireNeighbourhoodChange{UpdatedNodeInfo: &wire})
}

func (b *NeighbourhoodNotifier) RemovedNode(entry NodeDbEntry) error {
	if entry.Relation != RelationNeighbour {
		return nil
	}
	return b.sendChange(WireNeighbourhoodChange{RemovedNodeID: []byte(entry.Profile.ID)})
}

// sendChange pushes one change through the session as a server-initiated
// request and waits for the service's acknowledging response.
func (b *NeighbourhoodNotifier) sendChange(change WireNeighbourhoodChange) error {
	req := &Request{
		Version: ProtocolVersion,
		LocalService: &LocalServiceRequest{
			NeighbourhoodChanged: &NeighbourhoodChangedRequest{
				Changes: []WireNeighbourhoodChange{change},
			},
		},
	}
	id := atomic.AddUint32(&b.nextID, 1)

	if err := b.session.Send(&Message{ID: id, Request: req}); err != nil {
		b.release(err)
		return err
	}
	if _, err := b.session.Receive(); err != nil {
		b.release(err)
		return err
	}
	return nil
}

// release deregisters the listener and closes the retained session.
func (b *NeighbourhoodNotifier) release(cause error) {
	b.closeOnce.Do(func() {
		b.log.Debug("Releasing neighbourhood notifier",
			zap.String("session", string(b.sessionID)), zap.Error(cause))
		b.local.RemoveListener(b.sessionID)
		_ = b.session.Close()
	})
}
