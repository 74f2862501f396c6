// Package membership resolves a cluster node identity to a reachable handoff
// listener endpoint. The resolver is a remote lookup in a full deployment;
// this package defines its boundary and a static implementation for tooling
// and tests.
package membership

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// Listener is the network endpoint of a node's handoff listener. IP, when
// set, overrides the host advertised by the node identity.
type Listener struct {
	Host string
	Port int
	IP   net.IP
}

// Addr returns the dialable address for the listener.
func (l Listener) Addr() string {
	host := l.Host
	if l.IP != nil {
		host = l.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(l.Port))
}

// Resolver maps a node identity to its handoff listener. Resolution may fail;
// a failed lookup aborts the transfer before any socket is opened.
type Resolver interface {
	ResolveListener(ctx context.Context, nodeID string) (Listener, error)
}

// StaticResolver is a fixed node-to-listener table.
type StaticResolver struct {
	mu        sync.RWMutex
	listeners map[string]Listener
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{listeners: make(map[string]Listener)}
}

func (r *StaticResolver) Add(nodeID string, listener Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[nodeID] = listener
}

func (r *StaticResolver) ResolveListener(_ context.Context, nodeID string) (Listener, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	listener, ok := r.listeners[nodeID]
	if !ok {
		return Listener{}, errors.Errorf("no handoff listener known for node %s", nodeID)
	}
	return listener, nil
}
