// Package history implements the append-only per-session conversation log:
// a bounded in-memory ring plus a durable overflow table.
package history

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/wayfarer-labs/relay/internal/models"
	"gorm.io/gorm"
)

// Entry is one append-only record: a single user or assistant turn.
type Entry struct {
	SessionName string
	Seq         int64
	Direction   string // "user" or "assistant"
	Text        string
	TS          int64
}

const (
	DirectionUser      = "user"
	DirectionAssistant = "assistant"
)

// ring is a fixed-capacity circular buffer of Entry per session.
type ring struct {
	buf   []Entry
	start int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Entry, capacity)}
}

func (r *ring) push(e Entry) {
	size := len(r.buf)
	if size == 0 {
		return
	}
	idx := (r.start + r.count) % size
	if r.count < size {
		r.buf[idx] = e
		r.count++
	} else {
		r.buf[r.start] = e
		r.start = (r.start + 1) % size
	}
}

// recent returns up to n most recent entries, oldest first.
func (r *ring) recent(n int) []Entry {
	if n > r.count {
		n = r.count
	}
	out := make([]Entry, n)
	capLen := len(r.buf)
	for i := 0; i < n; i++ {
		idx := (r.start + r.count - n + i) % capLen
		out[i] = r.buf[idx]
	}
	return out
}

// Store is the HistoryStore: a bounded in-memory ring of the last K
// entries per session, backed by a durable table that receives every
// appended entry (not only those that fall out of the ring). Writes are
// fire-and-forget; failures are logged and dropped, never propagated to
// the calling worker.
type Store struct {
	db       *gorm.DB
	ringSize int

	mu    sync.Mutex
	rings map[string]*ring
	seq   map[string]int64
}

// New creates a Store backed by db, with a per-session in-memory ring of
// ringSize entries. db may be nil, in which case overflow is dropped
// (useful for tests that only exercise the in-memory path).
func New(db *gorm.DB, ringSize int) *Store {
	return &Store{
		db:       db,
		ringSize: ringSize,
		rings:    make(map[string]*ring),
		seq:      make(map[string]int64),
	}
}

// Migrate runs the auto-migration for the durable overflow table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.HistoryEntry{}); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// Append records one entry. It never blocks the caller on durable-store
// failures: those are logged and dropped.
func (s *Store) Append(sessionName, direction, text string) {
	s.mu.Lock()
	r, ok := s.rings[sessionName]
	if !ok {
		r = newRing(s.ringSize)
		s.rings[sessionName] = r
	}
	s.seq[sessionName]++
	seq := s.seq[sessionName]
	s.mu.Unlock()

	e := Entry{
		SessionName: sessionName,
		Seq:         seq,
		Direction:   direction,
		Text:        text,
		TS:          time.Now().Unix(),
	}

	s.mu.Lock()
	r.push(e)
	s.mu.Unlock()

	if s.db == nil {
		return
	}
	row := models.HistoryEntry{
		SessionName: e.SessionName,
		Seq:         e.Seq,
		Direction:   e.Direction,
		Text:        e.Text,
		TS:          e.TS,
	}
	if err := s.db.Create(&row).Error; err != nil {
		log.Printf("history: append durable row for %s: %v", sessionName, err)
	}
}

// Recent returns the merged (durable-first, in-memory-last) sequence of the
// most recent n entries for a session.
func (s *Store) Recent(sessionName string, n int) []Entry {
	s.mu.Lock()
	r, ok := s.rings[sessionName]
	var inMemory []Entry
	if ok {
		inMemory = r.recent(n)
	}
	s.mu.Unlock()

	if s.db == nil || len(inMemory) >= n {
		return inMemory
	}

	need := n - len(inMemory)
	var minSeq int64
	if len(inMemory) > 0 {
		minSeq = inMemory[0].Seq
	}

	var rows []models.HistoryEntry
	q := s.db.Where("session_name = ?", sessionName)
	if minSeq > 0 {
		q = q.Where("seq < ?", minSeq)
	}
	if err := q.Order("seq desc").Limit(need).Find(&rows).Error; err != nil {
		log.Printf("history: recent durable query for %s: %v", sessionName, err)
		return inMemory
	}

	durable := make([]Entry, len(rows))
	for i, row := range rows {
		durable[len(rows)-1-i] = Entry{
			SessionName: row.SessionName,
			Seq:         row.Seq,
			Direction:   row.Direction,
			Text:        row.Text,
			TS:          row.TS,
		}
	}
	return append(durable, inMemory...)
}

// RecoveryContext formats the last n turns of a session's history into a
// short resume prompt. Session.Open sends it whenever the store already
// holds turns for the name being opened (for example the default session
// after a restart). Manager.Close and CloseAdmin clear a name's history, so
// a session closed through the Manager and opened again gets no preamble.
func (s *Store) RecoveryContext(sessionName string, n int) string {
	entries := s.Recent(sessionName, n)
	if len(entries) == 0 {
		return ""
	}
	out := "Resuming a prior conversation. Recent turns:\n"
	for _, e := range entries {
		out += fmt.Sprintf("[%s] %s\n", e.Direction, e.Text)
	}
	return out
}

// Clear drops a session's in-memory ring and durable rows, used by the
// administrative close path that clears history for a removed name.
func (s *Store) Clear(sessionName string) error {
	s.mu.Lock()
	delete(s.rings, sessionName)
	delete(s.seq, sessionName)
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	if err := s.db.Where("session_name = ?", sessionName).Delete(&models.HistoryEntry{}).Error; err != nil {
		return fmt.Errorf("history: clear %s: %w", sessionName, err)
	}
	return nil
}
