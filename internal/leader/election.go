// Package leader elects one outbox relay among the running instances with a
// Postgres session-level advisory lock.
package leader

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

type Election struct {
	db       *sql.DB
	key      int64
	interval time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	isLeader bool
	stopCh   chan struct{}
	doneCh   chan struct{}

	// sessionMu serializes campaign and resign; conn is only touched under it.
	sessionMu sync.Mutex
	conn      *sql.Conn
}

type ElectionConfig struct {
	// Key is the advisory lock id shared by all instances.
	Key      int64
	Interval time.Duration
	Logger   *slog.Logger
}

func NewElection(db *sql.DB, config ElectionConfig) *Election {
	if config.Interval == 0 {
		config.Interval = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Election{
		db:       db,
		key:      config.Key,
		interval: config.Interval,
		logger:   config.Logger,
	}
}

func (e *Election) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// Start campaigns immediately and then on every interval until Stop.
func (e *Election) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stopCh != nil {
		e.mu.Unlock()
		return
	}
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	stopCh, doneCh := e.stopCh, e.doneCh
	e.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			e.campaign(ctx)
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends the campaign and gives up leadership.
func (e *Election) Stop() {
	e.mu.Lock()
	stopCh, doneCh := e.stopCh, e.doneCh
	e.stopCh, e.doneCh = nil, nil
	e.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}
	e.resign()
}

func (e *Election) campaign(ctx context.Context) {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()

	if e.conn == nil {
		conn, err := e.db.Conn(ctx)
		if err != nil {
			e.logger.Warn("leader election: acquiring connection", "error", err)
			return
		}
		e.conn = conn
	}

	if e.IsLeader() {
		// the lock lives as long as the session
		if err := e.conn.PingContext(ctx); err != nil {
			e.logger.Warn("leader election: lost session, stepping down", "error", err)
			e.dropSession()
		}
		return
	}

	var acquired bool
	if err := e.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.key).Scan(&acquired); err != nil {
		e.logger.Warn("leader election: trying lock", "error", err)
		e.dropSession()
		return
	}
	if acquired {
		e.logger.Info("leader election: became leader", "key", e.key)
		e.setLeader(true)
	}
}

func (e *Election) resign() {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()
	if e.conn == nil {
		return
	}
	if e.IsLeader() {
		// step down before unlocking so no tick runs against a released lock
		e.setLeader(false)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := e.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", e.key); err != nil {
			e.logger.Warn("leader election: releasing lock", "error", err)
		}
		e.logger.Info("leader election: resigned", "key", e.key)
	}
	e.dropSession()
}

func (e *Election) setLeader(v bool) {
	e.mu.Lock()
	e.isLeader = v
	e.mu.Unlock()
}

// dropSession closes the session connection. Callers hold sessionMu.
func (e *Election) dropSession() {
	e.setLeader(false)
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
}
