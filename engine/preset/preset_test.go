package preset

import (
	"sync"
	"testing"
	"time"

	"stagehand/engine/clock"
	"stagehand/engine/dispatch"
	"stagehand/engine/model"
	"stagehand/engine/ownership"
	"stagehand/engine/voice"
)

type fakePort struct {
	mu       sync.Mutex
	onPitch  []uint8
	offPitch []uint8
}

func (f *fakePort) SendNoteOn(_ uint8, pitch uint8, _ float32) {
	f.mu.Lock()
	f.onPitch = append(f.onPitch, pitch)
	f.mu.Unlock()
}
func (f *fakePort) SendNoteOff(_ uint8, pitch uint8) {
	f.mu.Lock()
	f.offPitch = append(f.offPitch, pitch)
	f.mu.Unlock()
}
func (f *fakePort) SendCC(uint8, uint8, uint8) {}

func (f *fakePort) snapshot() ([]uint8, []uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint8(nil), f.onPitch...), append([]uint8(nil), f.offPitch...)
}

func newTestEngine() (*Engine, *fakePort, *sync.Mutex) {
	out := &fakePort{}
	var lock sync.Mutex
	sched := clock.New(nil)
	ledger := voice.New(out)
	d := dispatch.New(sched, ledger, &lock)
	owners := ownership.New()
	return New(d, owners), out, &lock
}

func TestOpenClosePlaysAllNotesLatched(t *testing.T) {
	e, out, lock := newTestEngine()
	p := &model.Preset{
		ID: "p1",
		Notes: []model.NoteItem{
			{Pitch: 60, Velocity: 1.0, Channel: 1},
			{Pitch: 64, Velocity: 1.0, Channel: 1},
		},
	}
	instance := dispatch.InstanceID{MappingID: "m1"}

	lock.Lock()
	e.Open(p, instance, 120, nil, false, "p1")
	lock.Unlock()
	time.Sleep(10 * time.Millisecond)

	on, _ := out.snapshot()
	if len(on) != 2 {
		t.Fatalf("expected 2 notes on, got %v", on)
	}

	lock.Lock()
	e.Close(p, instance, "p1", false)
	lock.Unlock()
	time.Sleep(10 * time.Millisecond)

	_, off := out.snapshot()
	if len(off) != 2 {
		t.Fatalf("expected 2 notes off, got %v", off)
	}
}

func TestCloseIgnoredWhenNotOwner(t *testing.T) {
	e, out, lock := newTestEngine()
	p := &model.Preset{ID: "p1", Notes: []model.NoteItem{{Pitch: 60, Velocity: 1.0, Channel: 1}}}
	first := dispatch.InstanceID{MappingID: "m1", TriggerValue: "a"}
	second := dispatch.InstanceID{MappingID: "m1", TriggerValue: "b"}

	lock.Lock()
	e.Open(p, first, 120, nil, false, "p1")
	e.Open(p, second, 120, nil, false, "p1") // second instance steals ownership; also a retrigger on the same voice
	lock.Unlock()
	time.Sleep(10 * time.Millisecond)

	// The second open's Acquire retriggers the voice (off immediately
	// followed by on, spec §4.2), so one note-off already exists before
	// either Close call.
	_, offBefore := out.snapshot()

	lock.Lock()
	e.Close(p, first, "p1", false) // stale owner: no-op
	lock.Unlock()
	time.Sleep(10 * time.Millisecond)

	_, off := out.snapshot()
	if len(off) != len(offBefore) {
		t.Fatalf("expected close from non-owner to be ignored, got offs %v (before: %v)", off, offBefore)
	}
}

func TestCloseByOwnerReleasesOtherInstancesHoldToo(t *testing.T) {
	e, out, lock := newTestEngine()
	p := &model.Preset{ID: "p1", Notes: []model.NoteItem{{Pitch: 60, Velocity: 1.0, Channel: 1}}}
	first := dispatch.InstanceID{MappingID: "m1", TriggerValue: "a"}
	second := dispatch.InstanceID{MappingID: "m2", TriggerValue: "b"}

	lock.Lock()
	e.Open(p, first, 120, nil, false, "p1")
	e.Open(p, second, 120, nil, false, "p1") // second instance retriggers and steals ownership
	lock.Unlock()
	time.Sleep(10 * time.Millisecond)

	on, offBefore := out.snapshot()
	if len(on) != 2 {
		t.Fatalf("expected a retrigger (on, off, on) to still produce 2 note-ons total, got %v", on)
	}
	if len(offBefore) != 1 {
		t.Fatalf("expected the retrigger itself to have emitted 1 note-off already, got %v", offBefore)
	}

	lock.Lock()
	e.Close(p, first, "p1", false) // stale owner: no-op, does not touch the voice
	lock.Unlock()
	time.Sleep(10 * time.Millisecond)
	if _, off := out.snapshot(); len(off) != len(offBefore) {
		t.Fatalf("expected non-owner close to leave the voice held, got offs %v", off)
	}

	lock.Lock()
	e.Close(p, second, "p1", false) // current owner: must release both holds
	lock.Unlock()
	time.Sleep(10 * time.Millisecond)

	_, off := out.snapshot()
	if len(off) != 2 {
		t.Fatalf("expected the owner's close to drive the shared voice to zero (2 note-offs total), got %v", off)
	}
}

func TestCloseSustainedModeNoOp(t *testing.T) {
	e, out, lock := newTestEngine()
	p := &model.Preset{ID: "p1", Notes: []model.NoteItem{{Pitch: 60, Velocity: 1.0, Channel: 1}}}
	instance := dispatch.InstanceID{MappingID: "m1"}

	lock.Lock()
	e.Open(p, instance, 120, nil, false, "p1")
	e.Close(p, instance, "p1", true) // sustained mode: caller owns the release
	lock.Unlock()
	time.Sleep(10 * time.Millisecond)

	_, off := out.snapshot()
	if len(off) != 0 {
		t.Fatalf("expected sustained-mode close to be a no-op, got offs %v", off)
	}
}

func TestAttackGlissandoWalksBeforeNotes(t *testing.T) {
	e, out, lock := newTestEngine()
	p := &model.Preset{
		ID:    "p1",
		Notes: []model.NoteItem{{Pitch: 60, Velocity: 1.0, Channel: 1}},
		Glissando: &model.GlissandoConfig{
			AttackOn: true, LowestPitch: 48, TargetPitch: 52, StepMs: 1, Mode: model.GlissandoBoth, VLo: 0.1, VHi: 1.0,
		},
	}
	instance := dispatch.InstanceID{MappingID: "m1"}

	lock.Lock()
	e.Open(p, instance, 120, nil, false, "p1")
	lock.Unlock()
	time.Sleep(30 * time.Millisecond)

	on, _ := out.snapshot()
	// 5 glissando steps (48..52) plus the preset's own note.
	if len(on) != 6 {
		t.Fatalf("expected 6 notes on (glissando + preset note), got %v", on)
	}
}
