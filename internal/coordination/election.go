// Package coordination provides leader election for multi-instance
// deployments. Background loops (watchdog, state flush, command sweeper,
// obligation reconciler) only run on the elected instance; single-instance
// deployments use the always-leader stub.
package coordination

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/config"
)

// sessionTTLSeconds is the etcd lease TTL; losing the session loses
// leadership after at most this long.
const sessionTTLSeconds = 30

// Coordinator wraps an etcd client and session for leader election.
type Coordinator struct {
	client  *clientv3.Client
	session *concurrency.Session
	logger  *zap.Logger
}

// NewCoordinator connects to etcd and opens a coordination session.
func NewCoordinator(cfg config.EtcdConfig, logger *zap.Logger) (*Coordinator, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(sessionTTLSeconds))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	logger.Info("Connected to etcd", zap.Strings("endpoints", cfg.Endpoints))

	return &Coordinator{
		client:  client,
		session: session,
		logger:  logger.Named("coordination"),
	}, nil
}

// Close closes the session and client.
func (c *Coordinator) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

// Health checks if etcd is reachable.
func (c *Coordinator) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.client.Status(ctx, c.client.Endpoints()[0])
	return err
}

// Election reports whether this instance currently holds leadership.
type Election struct {
	election *concurrency.Election
	name     string
	logger   *zap.Logger
	isLeader atomic.Bool
}

// IsLeader returns true if this instance is currently the leader.
func (e *Election) IsLeader() bool {
	return e.isLeader.Load()
}

// Resign gives up leadership voluntarily, typically on shutdown.
func (e *Election) Resign(ctx context.Context) error {
	if !e.isLeader.Load() {
		return nil
	}
	if err := e.election.Resign(ctx); err != nil {
		return fmt.Errorf("failed to resign: %w", err)
	}
	e.isLeader.Store(false)
	e.logger.Info("Resigned from leadership", zap.String("name", e.name))
	return nil
}

// Campaign starts a background election campaign and returns immediately.
// The returned Election flips to leader once the campaign wins and drops
// leadership when the session expires.
func (c *Coordinator) Campaign(ctx context.Context, name string) (*Election, error) {
	e := &Election{
		election: concurrency.NewElection(c.session, fmt.Sprintf("/stratomesh/leaders/%s", name)),
		name:     name,
		logger:   c.logger,
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if err := e.election.Campaign(ctx, fmt.Sprintf("%d", c.session.Lease())); err != nil {
					if ctx.Err() != nil {
						return
					}
					c.logger.Warn("Leader campaign failed, retrying", zap.Error(err))
					time.Sleep(5 * time.Second)
					continue
				}

				e.isLeader.Store(true)
				c.logger.Info("SYSTEM_EVENT: became leader", zap.String("name", name))

				// Hold leadership until the session dies or we shut down.
				select {
				case <-ctx.Done():
					return
				case <-c.session.Done():
					e.isLeader.Store(false)
					c.logger.Warn("SYSTEM_EVENT: lost leadership", zap.String("name", name))
					return
				}
			}
		}
	}()

	return e, nil
}

// AlwaysLeader is the single-instance stand-in for an Election.
type AlwaysLeader struct{}

// IsLeader always returns true.
func (AlwaysLeader) IsLeader() bool { return true }
