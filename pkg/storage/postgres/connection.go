package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/commune/pkg/observability"
	"github.com/platinummonkey/commune/pkg/storage"
)

// ConnectionManager holds the primary (all writes and every transaction) and
// optional read replicas. Replicas only serve reads that tolerate staleness,
// such as quota numbers shown to users.
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32
	mu       sync.RWMutex
	logger   *observability.Logger
}

// NewConnectionManager opens and pings the primary. Replicas that fail to
// connect are logged and skipped.
func NewConnectionManager(ctx context.Context, cfg storage.Config, logger *observability.Logger) (*ConnectionManager, error) {
	cm := &ConnectionManager{logger: observability.OrDefault(logger)}

	primary, err := openPool(ctx, cfg.PostgresURL, cfg, cfg.PostgresMaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary: %w", err)
	}
	cm.primary = primary

	replicaMaxConns := cfg.PostgresMaxConns / 2
	if replicaMaxConns < 2 {
		replicaMaxConns = 2
	}
	for i, url := range cfg.PostgresReplicaURLs {
		replica, err := openPool(ctx, url, cfg, replicaMaxConns)
		if err != nil {
			cm.logger.WithError(err).WithField("replica", i).Warn("skipping unreachable replica")
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	cm.logger.WithField("replicas", len(cm.replicas)).Info("connection manager initialized")
	return cm, nil
}

func openPool(ctx context.Context, url string, cfg storage.Config, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(cfg.PostgresMinConns)
	db.SetConnMaxLifetime(cfg.PostgresMaxLifetime)
	db.SetConnMaxIdleTime(cfg.PostgresMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PostgresTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping: %w", err)
	}
	return db, nil
}

// NewConnectionManagerFromDB wraps already opened pools
func NewConnectionManagerFromDB(primary *sql.DB, replicas ...*sql.DB) *ConnectionManager {
	return &ConnectionManager{primary: primary, replicas: replicas, logger: observability.Nop()}
}

// Primary returns the primary database connection
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns a read replica using round-robin selection, falling back to
// the primary when none is available
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if len(cm.replicas) == 0 {
		return cm.primary
	}
	index := atomic.AddUint32(&cm.current, 1)
	return cm.replicas[int(index%uint32(len(cm.replicas)))]
}

// RemoveUnhealthyReplicas closes and drops replicas that fail a ping
func (cm *ConnectionManager) RemoveUnhealthyReplicas(ctx context.Context) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	healthy := make([]*sql.DB, 0, len(cm.replicas))
	removed := 0
	for _, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			replica.Close()
			removed++
			continue
		}
		healthy = append(healthy, replica)
	}
	cm.replicas = healthy
	return removed
}

// PingContext checks the primary
func (cm *ConnectionManager) PingContext(ctx context.Context) error {
	return cm.primary.PingContext(ctx)
}

// Close closes all database connections
func (cm *ConnectionManager) Close() error {
	var errs []error
	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary close error: %w", err))
	}

	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d close error: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("connection close errors: %v", errs)
	}
	return nil
}
