package node

import (
	"sync"

	"go.uber.org/zap"
)

// ChangeListener observes mutations of the spatial store. Implementations
// must be push-only: calling back into the store from a notification would
// deadlock on the store's write lock.
type ChangeListener interface {
	SessionID() SessionID
	OnRegistered()
	AddedNode(entry NodeDbEntry) error
	UpdatedNode(entry NodeDbEntry) error
	RemovedNode(entry NodeDbEntry) error
}

// ListenerRegistry is a thread-safe set of change listeners keyed by the
// session they belong to. Broadcast iterates a snapshot, so listeners may
// register or deregister (including themselves) during a broadcast.
type ListenerRegistry struct {
	mu        sync.Mutex
	listeners map[SessionID]ChangeListener
	log       *zap.Logger
}

func NewListenerRegistry(log *zap.Logger) *ListenerRegistry {
	return &ListenerRegistry{
		listeners: make(map[SessionID]ChangeListener),
		log:       log,
	}
}

func (r *ListenerRegistry) Register(listener ChangeListener) {
	r.mu.Lock()
	r.listeners[listener.SessionID()] = listener
	r.mu.Unlock()
	listener.OnRegistered()
}

func (r *ListenerRegistry) Deregister(id SessionID) {
	r.mu.Lock()
	delete(r.listeners, id)
	r.mu.Unlock()
}

func (r *ListenerRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// snapshot copies the current listener set. The registry lock is never held
// across a listener callback.
func (r *ListenerRegistry) snapshot() []ChangeListener {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChangeListener, 0, len(r.listeners))
	for _, l := range r.listeners {
		out = append(out, l)
	}
	return out
}

func (r *ListenerRegistry) broadcastAdded(entry NodeDbEntry) {
	for _, l := range r.snapshot() {
		if err := l.AddedNode(entry); err != nil {
			r.dropFailed(l, err)
		}
	}
}

func (r *ListenerRegistry) broadcastUpdated(entry NodeDbEntry) {
	for _, l := range r.snapshot() {
		if err := l.UpdatedNode(entry); err != nil {
			r.dropFailed(l, err)
		}
	}
}

func (r *ListenerRegistry) broadcastRemoved(entry NodeDbEntry) {
	for _, l := range r.snapshot() {
		if err := l.RemovedNode(entry); err != nil {
			r.dropFailed(l, err)
		}
	}
}

func (r *ListenerRegistry) dropFailed(l ChangeListener, err error) {
	r.log.Warn("Change listener failed, deregistering",
		zap.String("session", string(l.SessionID())), zap.Error(err))
	r.Deregister(l.SessionID())
}
