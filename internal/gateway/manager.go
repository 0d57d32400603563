// Package gateway pools per-user live exchange clients.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"settlement-core/pkg/crypto"
	"settlement-core/pkg/db"
	exchange "settlement-core/pkg/exchanges/common"
)

var (
	ErrGatewayUnhealthy = errors.New("gateway is unhealthy")
	ErrPoolFull         = errors.New("gateway pool is full")
)

// Factory creates a client for decrypted credentials.
type Factory func(exchangeType, apiKey, apiSecret string) (exchange.Gateway, error)

// Credentials are the process-wide fallback used when a user stored none.
type Credentials struct {
	APIKey    string
	APISecret string
}

type cachedGateway struct {
	gateway      exchange.Gateway
	userID       string
	connectionID string // empty when built from fallback credentials
	lastUsed     time.Time
	healthyAt    time.Time
	failures     int
}

// Config holds pool limits.
type Config struct {
	MaxSize          int           // LRU eviction beyond this many users
	IdleTimeout      time.Duration // idle clients are dropped after this
	HealthInterval   time.Duration
	FailureThreshold int           // consecutive failures that open the circuit
	CircuitTimeout   time.Duration // how long an open circuit rejects requests
}

// DefaultConfig returns the production pool limits.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager resolves and caches one exchange client per user.
type Manager struct {
	mu       sync.Mutex
	gateways map[string]*cachedGateway // userID -> client
	lru      []string                  // oldest first

	config       Config
	exchangeType string
	keys         *crypto.KeyManager
	database     *db.Database
	factory      Factory
	fallback     Credentials
	log          logrus.FieldLogger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a pool for exchangeType. keys may be nil when no connection is
// stored encrypted.
func NewManager(database *db.Database, keys *crypto.KeyManager, exchangeType string, factory Factory, fallback Credentials, cfg Config, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		gateways:     make(map[string]*cachedGateway),
		config:       cfg,
		exchangeType: exchangeType,
		keys:         keys,
		database:     database,
		factory:      factory,
		fallback:     fallback,
		log:          log.WithField("component", "gateway"),
		stopCh:       make(chan struct{}),
	}
}

// Start runs idle cleanup and health checks until ctx ends or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		cleanup := time.NewTicker(m.config.IdleTimeout / 2)
		defer cleanup.Stop()
		health := time.NewTicker(m.config.HealthInterval)
		defer health.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-cleanup.C:
				m.cleanupIdle()
			case <-health.C:
				m.healthCheckAll(ctx)
			}
		}
	}()
}

// Stop ends background work and drops every client.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateways = make(map[string]*cachedGateway)
	m.lru = nil
}

// Get returns the client for userID, building it from the user's active connection or
// the fallback credentials.
func (m *Manager) Get(ctx context.Context, userID string) (exchange.Gateway, error) {
	m.mu.Lock()
	if cached, ok := m.gateways[userID]; ok {
		if cached.failures >= m.config.FailureThreshold && time.Since(cached.healthyAt) < m.config.CircuitTimeout {
			m.mu.Unlock()
			return nil, ErrGatewayUnhealthy
		}
		m.touchLocked(userID)
		m.mu.Unlock()
		return cached.gateway, nil
	}
	m.mu.Unlock()

	// Build outside the lock; the ledger read must not serialize unrelated users.
	gw, connID, err := m.build(ctx, userID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[userID]; ok {
		m.touchLocked(userID)
		return cached.gateway, nil
	}
	if len(m.gateways) >= m.config.MaxSize && !m.evictOldestLocked() {
		return nil, ErrPoolFull
	}
	now := time.Now()
	m.gateways[userID] = &cachedGateway{
		gateway:      gw,
		userID:       userID,
		connectionID: connID,
		lastUsed:     now,
		healthyAt:    now,
	}
	m.lru = append(m.lru, userID)
	return gw, nil
}

func (m *Manager) build(ctx context.Context, userID string) (exchange.Gateway, string, error) {
	conn, err := m.database.Queries().GetActiveConnection(ctx, userID, m.exchangeType)
	switch {
	case errors.Is(err, db.ErrNotFound):
		gw, err := m.factory(m.exchangeType, m.fallback.APIKey, m.fallback.APISecret)
		if err != nil {
			return nil, "", fmt.Errorf("create gateway: %w", err)
		}
		return gw, "", nil
	case err != nil:
		return nil, "", fmt.Errorf("get connection: %w", err)
	}

	if m.keys == nil {
		return nil, "", fmt.Errorf("connection %s is encrypted but no key manager is configured", conn.ID)
	}
	apiKey, apiSecret, err := m.keys.OpenPair(conn.APIKeyEncrypted, conn.APISecretEncrypted)
	if err != nil {
		return nil, "", err
	}
	gw, err := m.factory(conn.ExchangeType, apiKey, apiSecret)
	if err != nil {
		return nil, "", fmt.Errorf("create gateway: %w", err)
	}
	return gw, conn.ID, nil
}

// Remove drops the cached client of userID, e.g. after its credentials changed.
func (m *Manager) Remove(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.gateways, userID)
	m.removeLRULocked(userID)
}

// RecordFailure counts a failed call; enough of them open the circuit.
func (m *Manager) RecordFailure(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[userID]; ok {
		cached.failures++
		if cached.failures == m.config.FailureThreshold {
			m.log.WithField("user_id", userID).Warn("gateway circuit opened")
		}
	}
}

// RecordSuccess closes the circuit.
func (m *Manager) RecordSuccess(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[userID]; ok {
		cached.failures = 0
		cached.healthyAt = time.Now()
	}
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := PoolStats{Total: len(m.gateways), MaxSize: m.config.MaxSize}
	for _, cached := range m.gateways {
		if cached.failures >= m.config.FailureThreshold {
			stats.Unhealthy++
		}
		if cached.connectionID == "" {
			stats.Fallback++
		}
	}
	return stats
}

// Len returns the number of pooled clients.
func (m *Manager) Len() int {
	return m.Stats().Total
}

// PoolStats contains gateway pool statistics.
type PoolStats struct {
	Total     int `json:"total"`
	MaxSize   int `json:"maxSize"`
	Unhealthy int `json:"unhealthy"`
	Fallback  int `json:"fallback"`
}

func (m *Manager) touchLocked(userID string) {
	if cached, ok := m.gateways[userID]; ok {
		cached.lastUsed = time.Now()
	}
	m.removeLRULocked(userID)
	m.lru = append(m.lru, userID)
}

func (m *Manager) removeLRULocked(userID string) {
	for i, id := range m.lru {
		if id == userID {
			m.lru = append(m.lru[:i], m.lru[i+1:]...)
			return
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lru) == 0 {
		return false
	}
	oldest := m.lru[0]
	delete(m.gateways, oldest)
	m.lru = m.lru[1:]
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.config.IdleTimeout)
	for id, cached := range m.gateways {
		if cached.lastUsed.Before(cutoff) {
			delete(m.gateways, id)
			m.removeLRULocked(id)
		}
	}
}

func (m *Manager) healthCheckAll(ctx context.Context) {
	m.mu.Lock()
	targets := make(map[string]exchange.Gateway, len(m.gateways))
	for id, cached := range m.gateways {
		targets[id] = cached.gateway
	}
	m.mu.Unlock()

	for userID, gw := range targets {
		pinger, ok := gw.(interface{ Ping(context.Context) error })
		if !ok {
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := pinger.Ping(pingCtx)
		cancel()
		if err != nil {
			m.RecordFailure(userID)
		} else {
			m.RecordSuccess(userID)
		}
	}
}
