package events

import "testing"

type recordingObserver struct {
	NopObserver
	queued []JobQueued
	dead   []SessionDead
}

func (r *recordingObserver) OnJobQueued(e JobQueued)       { r.queued = append(r.queued, e) }
func (r *recordingObserver) OnSessionDead(e SessionDead)   { r.dead = append(r.dead, e) }

type panickyObserver struct {
	NopObserver
}

func (panickyObserver) OnJobQueued(JobQueued) {
	panic("boom")
}

func TestRegistry_FansOutToAllObservers(t *testing.T) {
	r := NewRegistry()
	a := &recordingObserver{}
	b := &recordingObserver{}
	r.Register(a)
	r.Register(b)

	r.JobQueued(JobQueued{JobID: "job-1", ChatID: 42, Position: 1})

	if len(a.queued) != 1 || len(b.queued) != 1 {
		t.Fatalf("expected both observers to receive event, got a=%d b=%d", len(a.queued), len(b.queued))
	}
	if a.queued[0].ChatID != 42 {
		t.Errorf("ChatID = %d, want %d", a.queued[0].ChatID, 42)
	}
}

func TestRegistry_SurvivesPanickingObserver(t *testing.T) {
	r := NewRegistry()
	r.Register(panickyObserver{})
	survivor := &recordingObserver{}
	r.Register(survivor)

	r.JobQueued(JobQueued{JobID: "job-2", ChatID: 7})

	if len(survivor.queued) != 1 {
		t.Fatalf("expected survivor to still receive event after a panicking observer, got %d", len(survivor.queued))
	}
}

func TestRegistry_SessionDead(t *testing.T) {
	r := NewRegistry()
	o := &recordingObserver{}
	r.Register(o)

	r.SessionDead(SessionDead{Name: "alpha", Reason: "respawn exhausted"})

	if len(o.dead) != 1 || o.dead[0].Name != "alpha" {
		t.Fatalf("dead = %v, want one entry for alpha", o.dead)
	}
}
