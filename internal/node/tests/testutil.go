package tests

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deuszex/iop-location-based-network/internal/node"
)

// TestContext creates a context with timeout for tests.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// MakeNodeInfo builds a loopback node identity for tests; port is the node
// protocol port, the client port is 10000 above it.
func MakeNodeInfo(id string, lat, lon float64, port uint16) node.NodeInfo {
	return node.NodeInfo{
		Profile: node.NodeProfile{
			ID:             node.NodeID(id),
			NodeEndpoint:   node.NetworkEndpoint{Address: "127.0.0.1", Port: port},
			ClientEndpoint: node.NetworkEndpoint{Address: "127.0.0.1", Port: port + 10000},
		},
		Location: node.GpsLocation{Latitude: lat, Longitude: lon},
	}
}

// TestConfig assembles a node config suitable for loopback testing.
func TestConfig(info node.NodeInfo, seeds ...node.NetworkEndpoint) node.Config {
	cfg := node.DefaultConfig()
	cfg.NodeInfo = info
	cfg.NeighbourhoodTargetSize = 5
	cfg.SeedNodes = seeds
	cfg.RequestExpirationPeriod = 5 * time.Second
	cfg.TestMode = true
	return cfg
}

// StartTestNode builds a node plus a dispatch server on its node port and
// tears both down with the test.
func StartTestNode(t *testing.T, info node.NodeInfo, seeds ...node.NetworkEndpoint) *node.Node {
	t.Helper()
	ctx := TestContext(t)

	n, err := node.NewNode(TestConfig(info, seeds...))
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })

	server, err := node.StartDispatchServer(ctx, n, info.Profile.NodeEndpoint.Port, nil)
	require.NoError(t, err)
	t.Cleanup(func() { server.Shutdown() })

	return n
}

// StartMockedNode builds a node wired to an in-process network instead of
// TCP, and registers it there.
func StartMockedNode(t *testing.T, network *InProcessNetwork, info node.NodeInfo, seeds ...node.NetworkEndpoint) *node.Node {
	t.Helper()
	n, err := node.NewNode(TestConfig(info, seeds...), node.WithProxyFactory(network))
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	network.Register(n)
	return n
}

// GridInfo places test nodes on a rough km grid around a base location.
func GridInfo(index int, basePort uint16) node.NodeInfo {
	lat := 40.0 + float64(index/5)*2.0
	lon := 10.0 + float64(index%5)*2.0
	return MakeNodeInfo(fmt.Sprintf("grid-%02d", index), lat, lon, basePort+uint16(index))
}
