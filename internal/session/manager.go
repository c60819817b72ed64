package session

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wayfarer-labs/relay/internal/events"
	"github.com/wayfarer-labs/relay/internal/history"
	"github.com/wayfarer-labs/relay/internal/relayerr"
	"github.com/wayfarer-labs/relay/internal/workdir"
)

// maxNameLength is the name grammar's length bound: name := [^\s@]{1,64}.
const maxNameLength = 64

// reservedNames are names that cannot be used for a user-created Session.
var reservedNames = map[string]bool{
	"default": true,
}

var nameCharRe = regexp.MustCompile(`^[^\s@]+$`)

// ValidateName enforces the name grammar and reserved-name rules.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLength {
		return fmt.Errorf("session: validate name %q: %w", name, relayerr.ErrNameInvalid)
	}
	if !nameCharRe.MatchString(name) {
		return fmt.Errorf("session: validate name %q: %w", name, relayerr.ErrNameInvalid)
	}
	if reservedNames[name] {
		return fmt.Errorf("session: validate name %q: %w", name, relayerr.ErrNameReserved)
	}
	return nil
}

// Manager is the process-wide registry name -> Session, with a designated
// default session name.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	defaultName string
	configured  string // the startup-configured default, restored by SetDefault(none)

	allocator   *workdir.Allocator
	cfg         Config
	maxSessions int
	observers   *events.Registry
	hist        *history.Store

	cron *cron.Cron
}

// NewManager creates an empty Manager. Call CreateDefault before starting
// the monitor or accepting traffic. maxSessions <= 0 means unbounded.
func NewManager(allocator *workdir.Allocator, cfg Config, maxSessions int, obs *events.Registry, hist *history.Store) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		allocator:   allocator,
		cfg:         cfg,
		maxSessions: maxSessions,
		observers:   obs,
		hist:        hist,
	}
}

// CreateDefault materializes the default Session with a configured name
// and deterministic workdir. Must complete before MessageQueue dispatches.
func (m *Manager) CreateDefault(ctx context.Context, name string) error {
	workdirPath, err := m.allocator.Allocate(name)
	if err != nil {
		return fmt.Errorf("session: create default: %w", err)
	}
	sess, err := openReserved(ctx, name, workdirPath, m.cfg, m.observers, m.hist)
	if err != nil {
		return fmt.Errorf("session: create default: %w", err)
	}

	m.mu.Lock()
	m.sessions[name] = sess
	m.defaultName = name
	m.configured = name
	m.mu.Unlock()
	return nil
}

// Open creates a new named Session. workdir defaults to allocator output
// when empty.
func (m *Manager) Open(ctx context.Context, name, dir string) (*Session, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.sessions[name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: open %s: %w", name, relayerr.ErrNameExists)
	}
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: open %s: %w", name, relayerr.ErrOverCapacity)
	}
	// Reserve the name with a nil placeholder so concurrent Opens of the
	// same name race safely; spawn happens outside the registry lock.
	m.sessions[name] = nil
	m.mu.Unlock()

	var workdirPath string
	var err error
	if dir != "" {
		workdirPath, err = m.allocator.Override(dir)
	} else {
		workdirPath, err = m.allocator.Allocate(name)
	}
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, name)
		m.mu.Unlock()
		return nil, fmt.Errorf("session: open %s: %w", name, err)
	}

	sess, err := Open(ctx, name, workdirPath, m.cfg, m.observers, m.hist)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, name)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[name] = sess
	m.mu.Unlock()
	return sess, nil
}

// Close closes and removes a named Session. Closing the default session
// is refused; administrative removal of the default uses CloseAdmin.
func (m *Manager) Close(name string) error {
	m.mu.Lock()
	sess, ok := m.sessions[name]
	if !ok || sess == nil {
		m.mu.Unlock()
		return fmt.Errorf("session: close %s: %w", name, relayerr.ErrNotFound)
	}
	if name == m.defaultName {
		m.mu.Unlock()
		return fmt.Errorf("session: close %s: %w", name, relayerr.ErrIsDefault)
	}
	delete(m.sessions, name)
	m.mu.Unlock()

	sess.Close()
	if m.hist != nil {
		_ = m.hist.Clear(name)
	}
	return nil
}

// CloseAdmin closes any named Session, including the default, and clears
// its history. If the default is closed this way, the Manager has no
// default until SetDefault is called again.
func (m *Manager) CloseAdmin(name string) error {
	m.mu.Lock()
	sess, ok := m.sessions[name]
	if !ok || sess == nil {
		m.mu.Unlock()
		return fmt.Errorf("session: close admin %s: %w", name, relayerr.ErrNotFound)
	}
	delete(m.sessions, name)
	if m.defaultName == name {
		m.defaultName = ""
	}
	m.mu.Unlock()

	sess.Close()
	if m.hist != nil {
		_ = m.hist.Clear(name)
	}
	return nil
}

// Summary is one row of List()'s output.
type Summary struct {
	Name           string
	State          State
	Workdir        string
	LastActivityAt time.Time
	Age            time.Duration
}

// List enumerates all known sessions.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Summary, 0, len(m.sessions))
	now := time.Now()
	for _, sess := range m.sessions {
		if sess == nil {
			continue
		}
		st := sess.Status()
		out = append(out, Summary{
			Name:           st.Name,
			State:          st.State,
			Workdir:        st.Workdir,
			LastActivityAt: st.LastActivityAt,
			Age:            now.Sub(st.CreatedAt),
		})
	}
	return out
}

// Get returns the named session, or ErrNotFound.
func (m *Manager) Get(name string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[name]
	if !ok || sess == nil {
		return nil, fmt.Errorf("session: get %s: %w", name, relayerr.ErrNotFound)
	}
	return sess, nil
}

// HasSession reports whether name is a known, currently-registered session.
func (m *Manager) HasSession(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[name]
	return ok && sess != nil
}

// Resolve parses a leading "@name" token (delimited by the first
// whitespace). If name matches a known session, the prefix is stripped. If
// unknown or absent, the current default and unchanged text are returned.
func (m *Manager) Resolve(text string) (string, string) {
	m.mu.RLock()
	defaultName := m.defaultName
	m.mu.RUnlock()

	if !strings.HasPrefix(text, "@") {
		return defaultName, text
	}
	rest := text[1:]
	idx := strings.IndexAny(rest, " \t\n")
	var name, remainder string
	if idx < 0 {
		name = rest
		remainder = ""
	} else {
		name = rest[:idx]
		remainder = strings.TrimLeft(rest[idx:], " \t\n")
	}

	if !m.HasSession(name) {
		return defaultName, text
	}
	return name, remainder
}

// SetDefault changes the default session name. Passing "" reverts to the
// configured startup default.
func (m *Manager) SetDefault(name string) error {
	if name == "" {
		m.mu.Lock()
		m.defaultName = m.configured
		m.mu.Unlock()
		return nil
	}
	if !m.HasSession(name) {
		return fmt.Errorf("session: set default %s: %w", name, relayerr.ErrNotFound)
	}
	m.mu.Lock()
	m.defaultName = name
	m.mu.Unlock()
	return nil
}

// DefaultName returns the current default session name.
func (m *Manager) DefaultName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultName
}

// StartMonitor launches a cron-scheduled sweep that revives dead sessions
// not currently in-flight, generalizing the inline-respawn path inside Ask
// with a background safety net for sessions that died while idle.
func (m *Manager) StartMonitor(ctx context.Context) error {
	m.cron = cron.New()
	_, err := m.cron.AddFunc("@every 30s", func() {
		m.sweepDeadSessions(ctx)
	})
	if err != nil {
		return fmt.Errorf("session: start monitor: %w", err)
	}
	m.cron.Start()
	return nil
}

// StopMonitor stops the background sweep.
func (m *Manager) StopMonitor() {
	if m.cron != nil {
		m.cron.Stop()
	}
}

func (m *Manager) sweepDeadSessions(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess != nil {
			sessions = append(sessions, sess)
		}
	}
	m.mu.RUnlock()

	for _, sess := range sessions {
		sess.reviveIfDead(ctx)
	}
}
