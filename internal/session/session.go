// Package session keeps live warehouse connections between requests. A session
// is created by Connect, addressed by its id, and invalidated by Disconnect,
// by idling past the timeout, or by any warehouse error.
package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dbtgen/dbtgen/internal/failure"
	"github.com/dbtgen/dbtgen/internal/observability"
	"github.com/dbtgen/dbtgen/internal/schema"
	"github.com/dbtgen/dbtgen/internal/warehouse"
)

// Catalog is the part of a warehouse client a session needs.
type Catalog interface {
	ListTables(ctx context.Context) ([]string, error)
	DescribeTable(ctx context.Context, table string) (schema.Descriptor, error)
	Close() error
}

// Opener connects to a warehouse.
type Opener func(ctx context.Context, params warehouse.ConnectionParams) (Catalog, error)

// Session is a snapshot of session state. It never carries credentials.
type Session struct {
	ID         string    `json:"session_id"`
	Owner      string    `json:"-"`
	Dialect    string    `json:"dialect"`
	Database   string    `json:"database"`
	Schema     string    `json:"schema"`
	Tables     []string  `json:"tables"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

type entry struct {
	session Session
	catalog Catalog
	// inFlight counts warehouse calls running on catalog; expiry skips the
	// entry while it is above zero.
	inFlight int
}

type Options struct {
	IdleTimeout time.Duration
	MaxSessions int
	Logger      *slog.Logger
	Now         func() time.Time
}

type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*entry
	open        Opener
	idleTimeout time.Duration
	maxSessions int
	logger      *slog.Logger
	now         func() time.Time
}

// WarehouseOpener opens real warehouse clients with opts.
func WarehouseOpener(opts warehouse.Options) Opener {
	return func(ctx context.Context, params warehouse.ConnectionParams) (Catalog, error) {
		return warehouse.Open(ctx, params, opts)
	}
}

func NewManager(open Opener, opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		sessions:    map[string]*entry{},
		open:        open,
		idleTimeout: opts.IdleTimeout,
		maxSessions: opts.MaxSessions,
		logger:      observability.LoggerOrDiscard(opts.Logger),
		now:         now,
	}
}

// Connect opens a catalog, lists its tables and registers a new session.
func (m *Manager) Connect(ctx context.Context, owner string, params warehouse.ConnectionParams) (Session, error) {
	if m.open == nil {
		return Session{}, failure.New(failure.KindConnection, "warehouse connections are not configured")
	}
	m.mu.Lock()
	m.expireLocked()
	full := m.maxSessions > 0 && len(m.sessions) >= m.maxSessions
	m.mu.Unlock()
	if full {
		return Session{}, failure.Newf(failure.KindInputValidation, "too many open warehouse sessions (limit %d)", m.maxSessions)
	}

	catalog, err := m.open(ctx, params)
	if err != nil {
		return Session{}, ensureKind(err, failure.KindConnection, "connect to warehouse")
	}
	tables, err := catalog.ListTables(ctx)
	if err != nil {
		_ = catalog.Close()
		return Session{}, ensureKind(err, failure.KindConnection, "list warehouse tables")
	}

	now := m.now().UTC()
	session := Session{
		ID:         uuid.NewString(),
		Owner:      owner,
		Dialect:    params.Dialect,
		Database:   params.Database,
		Schema:     params.Schema,
		Tables:     tables,
		CreatedAt:  now,
		LastUsedAt: now,
	}

	m.mu.Lock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		_ = catalog.Close()
		return Session{}, failure.Newf(failure.KindInputValidation, "too many open warehouse sessions (limit %d)", m.maxSessions)
	}
	m.sessions[session.ID] = &entry{session: session, catalog: catalog}
	count := len(m.sessions)
	m.mu.Unlock()

	observability.SetActiveSessions(count)
	m.logger.Info("warehouse session opened",
		slog.String("session_id", session.ID),
		slog.String("dialect", session.Dialect),
		slog.String("database", session.Database),
		slog.String("schema", session.Schema),
		slog.Int("tables", len(tables)),
	)
	return snapshot(session), nil
}

// Get returns the session without touching the warehouse.
func (m *Manager) Get(owner, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookupLocked(owner, id)
	if err != nil {
		return Session{}, err
	}
	return snapshot(e.session), nil
}

// Tables refreshes the table list from the warehouse.
func (m *Manager) Tables(ctx context.Context, owner, id string) (Session, error) {
	e, release, err := m.acquire(owner, id)
	if err != nil {
		return Session{}, err
	}
	defer release()
	tables, err := e.catalog.ListTables(ctx)
	if err != nil {
		m.invalidate(id, err)
		return Session{}, ensureKind(err, failure.KindConnection, "list warehouse tables")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[id]
	if !ok {
		return Session{}, failure.New(failure.KindNotFound, "session not found")
	}
	current.session.Tables = tables
	return snapshot(current.session), nil
}

// Describe reads metadata for a table from the session's discovered list.
func (m *Manager) Describe(ctx context.Context, owner, id, table string) (schema.Descriptor, error) {
	e, release, err := m.acquire(owner, id)
	if err != nil {
		return schema.Descriptor{}, err
	}
	defer release()
	if !slices.Contains(e.session.Tables, table) {
		return schema.Descriptor{}, failure.Newf(failure.KindInputValidation, "table %q is not available in this session", table)
	}
	descriptor, err := e.catalog.DescribeTable(ctx, table)
	if err != nil {
		if failure.KindOf(err) != failure.KindNotFound && failure.KindOf(err) != failure.KindInputValidation {
			m.invalidate(id, err)
		}
		return schema.Descriptor{}, ensureKind(err, failure.KindConnection, "describe warehouse table")
	}
	return descriptor, nil
}

func (m *Manager) Disconnect(owner, id string) error {
	m.mu.Lock()
	e, err := m.lookupLocked(owner, id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.sessions, id)
	count := len(m.sessions)
	m.mu.Unlock()

	observability.SetActiveSessions(count)
	if err := e.catalog.Close(); err != nil {
		m.logger.Warn("close warehouse session", slog.String("session_id", id), slog.Any("error", err))
	}
	m.logger.Info("warehouse session closed", slog.String("session_id", id))
	return nil
}

// CloseAll closes every session, for shutdown.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	entries := m.sessions
	m.sessions = map[string]*entry{}
	m.mu.Unlock()

	observability.SetActiveSessions(0)
	var errs []error
	for _, e := range entries {
		if err := e.catalog.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// acquire marks the session busy and returns a copy of it. release ends the
// call and restarts the idle clock from the moment the call finished.
func (m *Manager) acquire(owner, id string) (*entry, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookupLocked(owner, id)
	if err != nil {
		return nil, nil, err
	}
	e.session.LastUsedAt = m.now().UTC()
	e.inFlight++
	release := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		e.inFlight--
		e.session.LastUsedAt = m.now().UTC()
	}
	return &entry{session: snapshot(e.session), catalog: e.catalog}, release, nil
}

// lookupLocked treats another owner's session like a missing one.
func (m *Manager) lookupLocked(owner, id string) (*entry, error) {
	m.expireLocked()
	e, ok := m.sessions[id]
	if !ok || e.session.Owner != owner {
		return nil, failure.New(failure.KindNotFound, "session not found or expired")
	}
	return e, nil
}

func (m *Manager) expireLocked() {
	if m.idleTimeout <= 0 {
		return
	}
	now := m.now().UTC()
	expired := false
	for id, e := range m.sessions {
		if e.inFlight == 0 && now.Sub(e.session.LastUsedAt) > m.idleTimeout {
			delete(m.sessions, id)
			expired = true
			_ = e.catalog.Close()
			m.logger.Info("warehouse session expired", slog.String("session_id", id))
		}
	}
	if expired {
		observability.SetActiveSessions(len(m.sessions))
	}
}

func (m *Manager) invalidate(id string, cause error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return
	}
	observability.SetActiveSessions(count)
	_ = e.catalog.Close()
	m.logger.Warn("warehouse session invalidated", slog.String("session_id", id), slog.Any("error", cause))
}

func snapshot(s Session) Session {
	s.Tables = append([]string{}, s.Tables...)
	return s
}

func ensureKind(err error, kind failure.Kind, msg string) error {
	if failure.KindOf(err) != "" {
		return err
	}
	return failure.Wrap(kind, msg, err)
}
