package client

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pool caches one NodeClient per storage node so repeated calls reuse the
// underlying HTTP client.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*NodeClient
	timeout time.Duration
	logger  *zap.Logger
}

// NewPool creates an empty client pool with a shared per-call timeout
func NewPool(timeout time.Duration, logger *zap.Logger) *Pool {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Pool{
		clients: make(map[string]*NodeClient),
		timeout: timeout,
		logger:  logger,
	}
}

// Get returns the cached client for a node, creating one on first use
func (p *Pool) Get(nodeID, address string) *NodeClient {
	p.mu.RLock()
	c, ok := p.clients[nodeID]
	p.mu.RUnlock()
	if ok {
		return c
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[nodeID]; ok {
		return c
	}

	c = NewNodeClient(nodeID, address, p.timeout, p.logger)
	p.clients[nodeID] = c

	p.logger.Debug("Created client for storage node",
		zap.String("node_id", nodeID),
		zap.String("address", address))

	return c
}
