package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/deuszex/iop-location-based-network/internal/node"
)

// File-level config as loaded from YAML plus IOP_-prefixed environment
// overrides.
type Config struct {
	Node struct {
		ID        string  `mapstructure:"id"`
		Address   string  `mapstructure:"address"`
		Port      uint16  `mapstructure:"port"`
		ClientPort uint16 `mapstructure:"client_port"`
		Latitude  float64 `mapstructure:"latitude"`
		Longitude float64 `mapstructure:"longitude"`
	} `mapstructure:"node"`

	LocalService struct {
		Port uint16 `mapstructure:"port"`
	} `mapstructure:"local_service"`

	Overlay struct {
		NeighbourhoodTargetSize int      `mapstructure:"neighbourhood_target_size"`
		BubbleScaleKm           float64  `mapstructure:"bubble_scale_km"`
		WorldTargetSize         int      `mapstructure:"world_target_size"`
		SeedNodes               []string `mapstructure:"seed_nodes"`
		TestMode                bool     `mapstructure:"test_mode"`
	} `mapstructure:"overlay"`

	Timing struct {
		DbExpirationPeriod      time.Duration `mapstructure:"db_expiration_period"`
		DbMaintenancePeriod     time.Duration `mapstructure:"db_maintenance_period"`
		NeighbourRenewalPeriod  time.Duration `mapstructure:"neighbour_renewal_period"`
		DiscoveryPeriod         time.Duration `mapstructure:"discovery_period"`
		RequestExpirationPeriod time.Duration `mapstructure:"request_expiration_period"`
	} `mapstructure:"timing"`

	External struct {
		StunServers []string `mapstructure:"stun_servers"`
	} `mapstructure:"external"`

	Paths struct {
		DbPath  string `mapstructure:"db_path"`
		LogPath string `mapstructure:"log_path"`
	} `mapstructure:"paths"`
}

// Load reads the YAML config at path and resolves it into a node.Config.
func Load(path string) (node.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("IOP")

	v.SetDefault("node.port", 16980)
	v.SetDefault("node.client_port", 16981)
	v.SetDefault("local_service.port", 16982)

	if err := v.ReadInConfig(); err != nil {
		return node.Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return node.Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return c.resolve()
}

func (c Config) resolve() (node.Config, error) {
	cfg := node.DefaultConfig()

	location, err := node.NewGpsLocation(c.Node.Latitude, c.Node.Longitude)
	if err != nil {
		return node.Config{}, err
	}
	if c.Node.ID == "" {
		return node.Config{}, fmt.Errorf("node.id must be set")
	}
	cfg.NodeInfo = node.NodeInfo{
		Profile: node.NodeProfile{
			ID:             node.NodeID(c.Node.ID),
			NodeEndpoint:   node.NetworkEndpoint{Address: node.Address(c.Node.Address), Port: c.Node.Port},
			ClientEndpoint: node.NetworkEndpoint{Address: node.Address(c.Node.Address), Port: c.Node.ClientPort},
		},
		Location: location,
	}
	if err := cfg.NodeInfo.Validate(); err != nil {
		return node.Config{}, err
	}

	cfg.LocalServicePort = c.LocalService.Port
	if c.Overlay.NeighbourhoodTargetSize > 0 {
		cfg.NeighbourhoodTargetSize = c.Overlay.NeighbourhoodTargetSize
	}
	if c.Overlay.BubbleScaleKm > 0 {
		cfg.BubbleScaleKm = c.Overlay.BubbleScaleKm
	}
	if c.Overlay.WorldTargetSize > 0 {
		cfg.WorldTargetSize = c.Overlay.WorldTargetSize
	}
	cfg.TestMode = c.Overlay.TestMode

	for _, seed := range c.Overlay.SeedNodes {
		endpoint, err := node.ParseEndpoint(seed)
		if err != nil {
			return node.Config{}, fmt.Errorf("invalid seed node %q: %w", seed, err)
		}
		cfg.SeedNodes = append(cfg.SeedNodes, endpoint)
	}

	if c.Timing.DbExpirationPeriod > 0 {
		cfg.DbExpirationPeriod = c.Timing.DbExpirationPeriod
	}
	if c.Timing.DbMaintenancePeriod > 0 {
		cfg.DbMaintenancePeriod = c.Timing.DbMaintenancePeriod
	}
	if c.Timing.NeighbourRenewalPeriod > 0 {
		cfg.NeighbourRenewalPeriod = c.Timing.NeighbourRenewalPeriod
	}
	if c.Timing.DiscoveryPeriod > 0 {
		cfg.DiscoveryPeriod = c.Timing.DiscoveryPeriod
	}
	if c.Timing.RequestExpirationPeriod > 0 {
		cfg.RequestExpirationPeriod = c.Timing.RequestExpirationPeriod
	}

	cfg.StunServers = c.External.StunServers
	cfg.DbPath = c.Paths.DbPath
	cfg.LogPath = c.Paths.LogPath
	return cfg, nil
}
