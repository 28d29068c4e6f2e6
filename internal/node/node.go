package node

import (
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// NodeMethods is the peer-facing interface of a node. It is implemented both
// by the local Node and by remote-node proxy handles.
type NodeMethods interface {
	GetNodeInfo() (NodeInfo, error)
	GetNodeCount() (int, error)
	GetRandomNodes(maxCount int, filter NeighbourFilter) ([]NodeInfo, error)
	GetClosestNodesByDistance(from GpsLocation, radiusKm Distance, maxCount int, filter NeighbourFilter) ([]NodeInfo, error)
	AcceptColleague(candidate NodeInfo) (NodeInfo, error)
	RenewColleague(candidate NodeInfo) (NodeInfo, error)
	AcceptNeighbour(candidate NodeInfo) (NodeInfo, error)
	RenewNeighbour(candidate NodeInfo) (NodeInfo, error)
}

// LocalServiceMethods is the interface offered to services collocated with
// the node.
type LocalServiceMethods interface {
	RegisterService(info ServiceInfo) (GpsLocation, error)
	DeregisterService(serviceType ServiceType) error
	GetNeighbourNodesByDistance() ([]NodeInfo, error)
	GetNodeInfo() (NodeInfo, error)
	AddListener(listener ChangeListener)
	RemoveListener(id SessionID)
}

// ClientMethods is the application-facing interface.
type ClientMethods interface {
	GetNodeInfo() (NodeInfo, error)
	GetNeighbourNodesByDistance() ([]NodeInfo, error)
	GetClosestNodesByDistance(from GpsLocation, radiusKm Distance, maxCount int, filter NeighbourFilter) ([]NodeInfo, error)
	GetRandomNodes(maxCount int, filter NeighbourFilter) ([]NodeInfo, error)
	ExploreNetworkNodesByDistance(target GpsLocation, desiredCount, maxNodeHops int) ([]NodeInfo, error)
}

// Config holds every tunable of a node. Zero values fall back to the
// defaults of DefaultConfig.
type Config struct {
	NodeInfo                NodeInfo
	LocalServicePort        uint16
	NeighbourhoodTargetSize int
	BubbleScaleKm           float64
	WorldTargetSize         int
	DbExpirationPeriod      time.Duration
	DbMaintenancePeriod     time.Duration
	NeighbourRenewalPeriod  time.Duration
	DiscoveryPeriod         time.Duration
	RequestExpirationPeriod time.Duration
	RequestRateLimit        float64
	SeedNodes               []NetworkEndpoint
	StunServers             []string
	DbPath                  string
	LogPath                 string
	// TestMode lifts the loopback-endpoint rejection so nodes can be
	// exercised over 127.0.0.1.
	TestMode bool
}

// DefaultConfig returns a config with production defaults; the caller still
// has to fill NodeInfo and SeedNodes.
func DefaultConfig() Config {
	return Config{
		NeighbourhoodTargetSize: 10,
		BubbleScaleKm:           25,
		WorldTargetSize:         50,
		DbExpirationPeriod:      24 * time.Hour,
		DbMaintenancePeriod:     15 * time.Minute,
		NeighbourRenewalPeriod:  5 * time.Minute,
		DiscoveryPeriod:         10 * time.Minute,
		RequestExpirationPeriod: 10 * time.Second,
		RequestRateLimit:        50,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.NeighbourhoodTargetSize == 0 {
		c.NeighbourhoodTargetSize = def.NeighbourhoodTargetSize
	}
	if c.BubbleScaleKm == 0 {
		c.BubbleScaleKm = def.BubbleScaleKm
	}
	if c.WorldTargetSize == 0 {
		c.WorldTargetSize = def.WorldTargetSize
	}
	if c.DbExpirationPeriod == 0 {
		c.DbExpirationPeriod = def.DbExpirationPeriod
	}
	if c.DbMaintenancePeriod == 0 {
		c.DbMaintenancePeriod = def.DbMaintenancePeriod
	}
	if c.NeighbourRenewalPeriod == 0 {
		c.NeighbourRenewalPeriod = def.NeighbourRenewalPeriod
	}
	if c.DiscoveryPeriod == 0 {
		c.DiscoveryPeriod = def.DiscoveryPeriod
	}
	if c.RequestExpirationPeriod == 0 {
		c.RequestExpirationPeriod = def.RequestExpirationPeriod
	}
	if c.RequestRateLimit == 0 {
		c.RequestRateLimit = def.RequestRateLimit
	}
}

// Node is the overlay node core. It owns the spatial store and the local
// service table and exposes the three role-scoped interfaces over them.
type Node struct {
	cfg      Config
	store    *SpatialStore
	proxies  NodeProxyFactory
	services *ServiceRegistry
	clock    clock.Clock
	log      *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	external externalAddressVotes
}

// NodeOption customizes node construction, mainly for tests.
type NodeOption func(*Node)

// WithStore injects a pre-opened spatial store.
func WithStore(store *SpatialStore) NodeOption {
	return func(n *Node) { n.store = store }
}

// WithProxyFactory injects the factory used for all outbound node calls.
func WithProxyFactory(factory NodeProxyFactory) NodeOption {
	return func(n *Node) { n.proxies = factory }
}

// WithClock injects the clock driving expiry stamps and maintenance.
func WithClock(clk clock.Clock) NodeOption {
	return func(n *Node) { n.clock = clk }
}

// WithLogger injects the logger.
func WithLogger(log *zap.Logger) NodeOption {
	return func(n *Node) { n.log = log }
}

// NewNode builds a node from the given config. Unless overridden by options,
// the spatial store is opened at cfg.DbPath and outbound calls go through a
// TCP proxy factory.
func NewNode(cfg Config, opts ...NodeOption) (*Node, error) {
	cfg.applyDefaults()
	if err := cfg.NodeInfo.Validate(); err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg}
	for _, opt := range opts {
		opt(n)
	}
	if n.log == nil {
		n.log = zap.NewNop()
	}
	if n.clock == nil {
		n.clock = clock.New()
	}
	if n.store == nil {
		store, err := OpenStore(cfg.NodeInfo, cfg.DbPath, cfg.DbExpirationPeriod, n.clock, n.log.Named("store"))
		if err != nil {
			return nil, err
		}
		n.store = store
	}
	if n.proxies == nil {
		n.proxies = NewTCPProxyFactory(cfg.RequestExpirationPeriod, n.clock, n.log.Named("proxy"))
	}
	n.services = NewServiceRegistry(n.log.Named("services"))
	n.rng = rand.New(rand.NewSource(n.clock.Now().UnixNano()))
	n.external.sources = make(map[string]bool)

	n.log.Info("Node initialized",
		zap.String("id", string(cfg.NodeInfo.Profile.ID)),
		zap.String("location", cfg.NodeInfo.Location.String()))
	return n, nil
}

// Close releases the store.
func (n *Node) Close() error {
	return n.store.Close()
}

// Store exposes the node's spatial store.
func (n *Node) Store() *SpatialStore { return n.store }

// Config returns the node configuration.
func (n *Node) Config() Config { return n.cfg }

// GetNodeInfo returns Self's advertised info.
func (n *Node) GetNodeInfo() (NodeInfo, error) {
	return n.store.ThisNode().NodeInfo, nil
}

// GetNodeCount returns the number of known non-Self nodes.
func (n *Node) GetNodeCount() (int, error) {
	return n.store.GetNodeCount(), nil
}

// GetRandomNodes returns a uniform sample of known nodes.
func (n *Node) GetRandomNodes(maxCount int, filter NeighbourFilter) ([]NodeInfo, error) {
	if maxCount < 0 {
		return nil, Errf(InvalidValue, "negative node count %d", maxCount)
	}
	return entryInfos(n.store.GetRandomNodes(maxCount, filter)), nil
}

// GetClosestNodesByDistance queries known nodes around a location.
func (n *Node) GetClosestNodesByDistance(from GpsLocation, radiusKm Distance, maxCount int, filter NeighbourFilter) ([]NodeInfo, error) {
	if maxCount < 0 {
		return nil, Errf(InvalidValue, "negative node count %d", maxCount)
	}
	entries, err := n.store.GetClosestNodesByDistance(from, radiusKm, maxCount, filter)
	if err != nil {
		return nil, err
	}
	return entryInfos(entries), nil
}

// GetNeighbourNodesByDistance lists the neighbourhood ordered by distance
// from Self.
func (n *Node) GetNeighbourNodesByDistance() ([]NodeInfo, error) {
	return entryInfos(n.store.GetNeighbourNodesByDistance()), nil
}

// AddListener registers a change listener on the store.
func (n *Node) AddListener(listener ChangeListener) {
	n.store.ListenerRegistry().Register(listener)
}

// RemoveListener deregisters the listener owned by the given session.
func (n *Node) RemoveListener(id SessionID) {
	n.store.ListenerRegistry().Deregister(id)
}

func (n *Node) randomFloat() float64 {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return n.rng.Float64()
}

func (n *Node) shuffleEndpoints(endpoints []NetworkEndpoint) []NetworkEndpoint {
	out := make([]NetworkEndpoint, len(endpoints))
	copy(out, endpoints)
	n.rngMu.Lock()
	n.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	n.rngMu.Unlock()
	return out
}

func entryInfos(entries []NodeDbEntry) []NodeInfo {
	out := make([]NodeInfo, len(entries))
	for i, entry := range entries {
		out[i] = entry.NodeInfo
	}
	return out
}
