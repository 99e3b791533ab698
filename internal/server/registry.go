package server

import (
	"log/slog"
	"sort"
	"sync"

	"commlink/internal/connection"
)

// Registry holds the connected peers of a server. It is safe for concurrent
// use; iteration always works on a snapshot.
type Registry struct {
	peers  map[string]*connection.Connection
	mu     sync.RWMutex
	logger *slog.Logger
}

// constructor for Registry
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		peers:  make(map[string]*connection.Connection),
		logger: logger,
	}
}

func (r *Registry) Add(peer *connection.Connection) {
	r.mu.Lock()
	r.peers[peer.ID()] = peer
	r.mu.Unlock()
	r.logger.Info("peer_added",
		"peer_id", peer.ID(),
	)
}

// Remove drops peer and reports whether it was registered.
func (r *Registry) Remove(peer *connection.Connection) bool {
	r.mu.Lock()
	_, ok := r.peers[peer.ID()]
	delete(r.peers, peer.ID())
	r.mu.Unlock()
	if ok {
		r.logger.Info("peer_removed",
			"peer_id", peer.ID(),
		)
	}
	return ok
}

func (r *Registry) Get(id string) (*connection.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[id]
	return peer, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Snapshot returns the registered peers ordered by connection time.
func (r *Registry) Snapshot() []*connection.Connection {
	r.mu.RLock()
	out := make([]*connection.Connection, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, peer)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt().Before(out[j].ConnectedAt())
	})
	return out
}

// InState returns the peers whose current auth state is state.
func (r *Registry) InState(state connection.AuthState) []*connection.Connection {
	var out []*connection.Connection
	for _, peer := range r.Snapshot() {
		if peer.AuthState() == state {
			out = append(out, peer)
		}
	}
	return out
}

// CloseAll disconnects every registered peer and returns them. Peers remove
// themselves through their disconnect listener, so the lock is not held
// while disconnecting.
func (r *Registry) CloseAll() []*connection.Connection {
	peers := r.Snapshot()
	for _, peer := range peers {
		peer.Disconnect()
		r.logger.Info("peer_connection_closed",
			"peer_id", peer.ID(),
		)
	}

	// drop anything that did not deregister itself
	r.mu.Lock()
	for _, peer := range peers {
		delete(r.peers, peer.ID())
	}
	r.mu.Unlock()
	return peers
}
