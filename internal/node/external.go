package node

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"
)

// Self-observed external address handling. A single report is hearsay; the
// advertised address only switches once two distinct sources agree on the
// same non-loopback address.

type externalAddressVotes struct {
	mu        sync.Mutex
	candidate Address
	sources   map[string]bool
}

// DetectedExternalAddress records that some source observed this node under
// the given address. When a second distinct source corroborates the same
// address, Self's contact endpoints are re-advertised under it and an
// Updated event is emitted for Self.
func (n *Node) DetectedExternalAddress(addr Address, source string) {
	if addr.Validate() != nil || addr.IsLoopback() {
		return
	}
	current := n.store.ThisNode().Profile.NodeEndpoint.Address
	if addr == current {
		return
	}

	n.external.mu.Lock()
	if n.external.candidate != addr {
		n.external.candidate = addr
		n.external.sources = map[string]bool{source: true}
		n.external.mu.Unlock()
		n.log.Debug("New external address candidate",
			zap.String("address", string(addr)), zap.String("source", source))
		return
	}
	n.external.sources[source] = true
	corroborated := len(n.external.sources) >= 2
	n.external.mu.Unlock()

	if !corroborated {
		return
	}

	profile := n.store.ThisNode().Profile
	profile.NodeEndpoint.Address = addr
	profile.ClientEndpoint.Address = addr
	if err := n.store.UpdateSelf(profile); err != nil {
		n.log.Warn("Failed to re-advertise external address", zap.Error(err))
		return
	}
	n.log.Info("External address corroborated, re-advertising self",
		zap.String("address", string(addr)))
}

// ProbeExternalAddress queries the configured STUN servers for the public
// mapped address of this host. Each answering server counts as one
// corroborating source.
func (n *Node) ProbeExternalAddress(ctx context.Context) {
	for _, server := range n.cfg.StunServers {
		addr, err := stunMappedAddress(ctx, server, n.cfg.RequestExpirationPeriod)
		if err != nil {
			n.log.Debug("STUN probe failed", zap.String("server", server), zap.Error(err))
			continue
		}
		n.DetectedExternalAddress(addr, "stun:"+server)
	}
}

// stunMappedAddress performs one binding request against a STUN server and
// returns the XOR-mapped address it reports.
func stunMappedAddress(ctx context.Context, server string, timeout time.Duration) (Address, error) {
	uri, err := stun.ParseURI("stun:" + server)
	if err != nil {
		return "", Wrap(InvalidValue, err, "bad STUN server "+server)
	}
	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", Wrap(ConnectionFailed, err, "dial STUN server "+server)
	}
	defer client.Close()

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)
	go func() {
		err := client.Do(message, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			var mapped stun.XORMappedAddress
			if err := mapped.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- mapped
		})
		if err != nil {
			fail <- err
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case mapped := <-result:
		host, _, err := net.SplitHostPort(mapped.String())
		if err != nil {
			return Address(mapped.IP.String()), nil
		}
		return Address(host), nil
	case err := <-fail:
		return "", Wrap(ConnectionFailed, err, "STUN binding against "+server)
	case <-ctx.Done():
		return "", Wrap(ConnectionFailed, ctx.Err(), "STUN binding against "+server)
	}
}
