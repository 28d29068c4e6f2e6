package node

import (
	"sync"

	"go.uber.org/zap"
)

// ServiceRegistry is the table of application services collocated with the
// node, keyed by service type. It is not persisted.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[ServiceType]ServiceInfo
	log      *zap.Logger
}

func NewServiceRegistry(log *zap.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[ServiceType]ServiceInfo),
		log:      log,
	}
}

// Register stores a service, replacing any previous registration of the same
// type.
func (r *ServiceRegistry) Register(info ServiceInfo) {
	r.mu.Lock()
	r.services[info.Type] = info
	r.mu.Unlock()
	r.log.Info("Service registered", zap.String("type", string(info.Type)), zap.Uint16("port", info.Port))
}

// Deregister removes a service registration.
func (r *ServiceRegistry) Deregister(serviceType ServiceType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[serviceType]; !ok {
		return Errf(NotFound, "service %s is not registered", serviceType)
	}
	delete(r.services, serviceType)
	return nil
}

// Get looks up a service by type.
func (r *ServiceRegistry) Get(serviceType ServiceType) (ServiceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.services[serviceType]
	return info, ok
}

// List returns all registered services.
func (r *ServiceRegistry) List() []ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceInfo, 0, len(r.services))
	for _, info := range r.services {
		out = append(out, info)
	}
	return out
}

// RegisterService stores a collocated service and returns Self's location so
// the service can advertise where it runs.
func (n *Node) RegisterService(info ServiceInfo) (GpsLocation, error) {
	if err := info.Validate(); err != nil {
		return GpsLocation{}, err
	}
	n.services.Register(info)
	return n.store.ThisNode().Location, nil
}

// DeregisterService removes a collocated service registration.
func (n *Node) DeregisterService(serviceType ServiceType) error {
	return n.services.Deregister(serviceType)
}

// Services exposes the local service registry.
func (n *Node) Services() *ServiceRegistry { return n.services }
