// Package session implements the named, pinned-workdir conversation
// (Session) and the process-wide registry of sessions (SessionManager).
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wayfarer-labs/relay/internal/driver"
	"github.com/wayfarer-labs/relay/internal/events"
	"github.com/wayfarer-labs/relay/internal/history"
	"github.com/wayfarer-labs/relay/internal/relayerr"
)

// stderrTailLines bounds how much of a dead driver's stderr rides along
// on a HardFail error, per spec.md §7's "last N lines of stderr".
const stderrTailLines = 20

// State is a Session's lifecycle stage.
type State int

const (
	Idle State = iota
	Busy
	Dead
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// deathWindow and deathThreshold implement the respawn-disable policy: N
// deaths within the window disable auto-respawn until Close+Open or an
// explicit reset.
const (
	deathWindow    = 60 * time.Second
	deathThreshold = 2
)

// Config holds the parameters a Session needs to (re)spawn its driver.
type Config struct {
	BinaryPath string
	Args       []string
	Env        []string
	TGraceful  time.Duration
	TForce     time.Duration
}

// Session is a named, pinned working-directory conversation. It wraps
// exactly one driver.Driver at a time.
type Session struct {
	name    string
	workdir string
	cfg     Config

	observers *events.Registry
	hist      *history.Store

	requestMutex sync.Mutex

	mu             sync.Mutex
	state          State
	drv            *driver.Driver
	createdAt      time.Time
	lastActivityAt time.Time
	deaths         []time.Time
	respawnDisabled bool
}

// Open spawns a fresh driver in workdir and returns an idle Session. If
// the history store has prior turns for name, a recovery-context preamble
// is sent as the driver's first request before returning. name is checked
// against the name grammar and the reserved-name list.
func Open(ctx context.Context, name, workdir string, cfg Config, obs *events.Registry, hist *history.Store) (*Session, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return spawnSession(ctx, name, workdir, cfg, obs, hist)
}

// openReserved spawns a Session under a reserved name. It is only called
// by Manager.CreateDefault, the one caller authorized to materialize the
// default session's name.
func openReserved(ctx context.Context, name, workdir string, cfg Config, obs *events.Registry, hist *history.Store) (*Session, error) {
	if name == "" || len(name) > maxNameLength {
		return nil, fmt.Errorf("session: open %s: %w", name, relayerr.ErrNameInvalid)
	}
	return spawnSession(ctx, name, workdir, cfg, obs, hist)
}

func spawnSession(ctx context.Context, name, workdir string, cfg Config, obs *events.Registry, hist *history.Store) (*Session, error) {
	s := &Session{
		name:      name,
		workdir:   workdir,
		cfg:       cfg,
		observers: obs,
		hist:      hist,
		createdAt: time.Now(),
	}

	drv, err := driver.Spawn(ctx, driver.Opts{
		BinaryPath: cfg.BinaryPath,
		Args:       cfg.Args,
		WorkDir:    workdir,
		Env:        cfg.Env,
		TGraceful:  cfg.TGraceful,
		TForce:     cfg.TForce,
	})
	if err != nil {
		return nil, fmt.Errorf("session: open %s: %w", name, err)
	}

	s.drv = drv
	s.state = Idle
	s.lastActivityAt = time.Now()

	if hist != nil {
		if recovery := hist.RecoveryContext(name, 20); recovery != "" {
			// Best-effort: a failed recovery preamble should not fail Open.
			_, _ = s.drv.Ask(ctx, recovery)
		}
	}

	return s, nil
}

// Name returns the session's name.
func (s *Session) Name() string { return s.name }

// Workdir returns the session's pinned working directory.
func (s *Session) Workdir() string { return s.workdir }

// Status is a lock-free snapshot of the session's current state.
type Status struct {
	Name           string
	Workdir        string
	State          State
	LastActivityAt time.Time
	CreatedAt      time.Time
}

// Status returns a lock-free snapshot; values may lag by one transition.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Name:           s.name,
		Workdir:        s.workdir,
		State:          s.state,
		LastActivityAt: s.lastActivityAt,
		CreatedAt:      s.createdAt,
	}
}

// Ask serializes via requestMutex, transitions idle->busy->idle, and on
// driver death attempts one respawn plus one retry of the same prompt.
func (s *Session) Ask(ctx context.Context, prompt string) (string, error) {
	s.requestMutex.Lock()
	defer s.requestMutex.Unlock()

	s.mu.Lock()
	if s.state == Dead {
		s.mu.Unlock()
		return "", fmt.Errorf("session: ask %s: %w", s.name, relayerr.ErrDead)
	}
	s.state = Busy
	drv := s.drv
	s.mu.Unlock()

	reply, err := drv.Ask(ctx, prompt)
	if err == nil {
		s.mu.Lock()
		s.state = Idle
		s.lastActivityAt = time.Now()
		s.mu.Unlock()
		if s.hist != nil {
			s.hist.Append(s.name, history.DirectionUser, prompt)
			s.hist.Append(s.name, history.DirectionAssistant, reply)
		}
		return reply, nil
	}

	if isTimeout(err) {
		// A wedged child gets closed and respawned, but the original
		// prompt is not retried: it may still be in flight against a
		// child that will never answer.
		s.mu.Lock()
		s.state = Dead
		s.mu.Unlock()
		_ = s.respawn(ctx)
		s.mu.Lock()
		s.state = Idle
		s.mu.Unlock()
		return "", fmt.Errorf("session: ask %s: %w", s.name, relayerr.ErrTimeout)
	}

	// Driver reported death (or closed). Attempt exactly one respawn and
	// one retry of the original prompt.
	s.mu.Lock()
	s.state = Dead
	s.mu.Unlock()

	if !s.recordDeathAndCheckWindow() {
		s.emitDead("respawn disabled: repeated deaths within window")
		return "", s.hardFailErr(drv)
	}

	if respawnErr := s.respawn(ctx); respawnErr != nil {
		s.emitDead(respawnErr.Error())
		return "", s.hardFailErr(drv)
	}

	s.mu.Lock()
	drv = s.drv
	s.mu.Unlock()

	reply, retryErr := drv.Ask(ctx, prompt)
	if retryErr != nil {
		s.mu.Lock()
		s.state = Dead
		s.mu.Unlock()
		s.emitDead("retry after respawn failed")
		return "", s.hardFailErr(drv)
	}

	s.mu.Lock()
	s.state = Idle
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
	if s.hist != nil {
		s.hist.Append(s.name, history.DirectionUser, prompt)
		s.hist.Append(s.name, history.DirectionAssistant, reply)
	}
	if s.observers != nil {
		s.observers.SessionRespawned(events.SessionRespawned{Name: s.name})
	}
	return reply, nil
}

// recordDeathAndCheckWindow records a death and returns false if the
// respawn-disable threshold has been reached within the window.
func (s *Session) recordDeathAndCheckWindow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-deathWindow)
	kept := s.deaths[:0]
	for _, d := range s.deaths {
		if d.After(cutoff) {
			kept = append(kept, d)
		}
	}
	kept = append(kept, now)
	s.deaths = kept

	if len(s.deaths) >= deathThreshold {
		s.respawnDisabled = true
		return false
	}
	return true
}

// respawn closes the dead driver (if any pipes remain) and spawns a fresh
// one in the same workdir, best-effort resuming the last known session id.
func (s *Session) respawn(ctx context.Context) error {
	s.mu.Lock()
	oldDrv := s.drv
	var lastSessionID string
	if oldDrv != nil {
		lastSessionID = oldDrv.SessionID()
	}
	s.mu.Unlock()

	if oldDrv != nil {
		_ = oldDrv.Close()
	}

	newDrv, err := driver.Spawn(ctx, driver.Opts{
		BinaryPath: s.cfg.BinaryPath,
		Args:       s.cfg.Args,
		WorkDir:    s.workdir,
		Env:        s.cfg.Env,
		TGraceful:  s.cfg.TGraceful,
		TForce:     s.cfg.TForce,
		SessionID:  lastSessionID,
	})
	if err != nil {
		return fmt.Errorf("session: respawn %s: %w", s.name, err)
	}

	s.mu.Lock()
	s.drv = newDrv
	s.mu.Unlock()
	return nil
}

func isTimeout(err error) bool {
	return errors.Is(err, relayerr.ErrTimeout)
}

// hardFailErr wraps ErrHardFail with the last stderrTailLines lines of
// drv's captured stderr, so the job's terminal error carries the cause
// the user's reply ultimately surfaces (spec.md §7's HardFail{cause}).
func (s *Session) hardFailErr(drv *driver.Driver) error {
	tail := lastLines(drv.StderrTail(), stderrTailLines)
	if tail == "" {
		return fmt.Errorf("session: ask %s: %w", s.name, relayerr.ErrHardFail)
	}
	return fmt.Errorf("session: ask %s: %w: %s", s.name, relayerr.ErrHardFail, tail)
}

// lastLines returns the trailing n lines of s.
func lastLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func (s *Session) emitDead(reason string) {
	s.mu.Lock()
	s.state = Dead
	s.mu.Unlock()
	if s.observers != nil {
		s.observers.SessionDead(events.SessionDead{Name: s.name, Reason: reason})
	}
}

// NewConversation resets context: it closes the driver and spawns a fresh
// one in the same workdir, clearing any resumable session id. Serialized
// against Ask via the same mutex.
func (s *Session) NewConversation(ctx context.Context) error {
	s.requestMutex.Lock()
	defer s.requestMutex.Unlock()

	s.mu.Lock()
	oldDrv := s.drv
	s.mu.Unlock()
	if oldDrv != nil {
		_ = oldDrv.Close()
	}

	newDrv, err := driver.Spawn(ctx, driver.Opts{
		BinaryPath: s.cfg.BinaryPath,
		Args:       s.cfg.Args,
		WorkDir:    s.workdir,
		Env:        s.cfg.Env,
		TGraceful:  s.cfg.TGraceful,
		TForce:     s.cfg.TForce,
	})
	if err != nil {
		s.mu.Lock()
		s.state = Dead
		s.mu.Unlock()
		return fmt.Errorf("session: new conversation %s: %w", s.name, err)
	}

	s.mu.Lock()
	s.drv = newDrv
	s.state = Idle
	s.deaths = nil
	s.respawnDisabled = false
	s.mu.Unlock()
	return nil
}

// Close transitions to dead and closes the driver. Idempotent.
func (s *Session) Close() {
	s.requestMutex.Lock()
	defer s.requestMutex.Unlock()

	s.mu.Lock()
	if s.state == Dead && s.drv == nil {
		s.mu.Unlock()
		return
	}
	drv := s.drv
	s.drv = nil
	s.state = Dead
	s.mu.Unlock()

	if drv != nil {
		_ = drv.Close()
	}
}

// reviveIfDead is used by the monitor loop: if the session is dead and not
// currently busy (it never is, since Close/Ask hold requestMutex), attempt
// a revival without requiring an in-flight Ask.
func (s *Session) reviveIfDead(ctx context.Context) bool {
	locked := s.requestMutex.TryLock()
	if !locked {
		return false
	}
	defer s.requestMutex.Unlock()

	s.mu.Lock()
	isDead := s.state == Dead
	disabled := s.respawnDisabled
	s.mu.Unlock()
	if !isDead || disabled {
		return false
	}

	if err := s.respawn(ctx); err != nil {
		return false
	}
	s.mu.Lock()
	s.state = Idle
	s.mu.Unlock()
	if s.observers != nil {
		s.observers.SessionRespawned(events.SessionRespawned{Name: s.name})
	}
	return true
}
