package dispatch

import (
	"sync"
	"testing"
	"time"

	"stagehand/engine/clock"
	"stagehand/engine/model"
	"stagehand/engine/voice"
)

type fakePort struct {
	mu    sync.Mutex
	onCt  int
	offCt int
}

func (f *fakePort) SendNoteOn(uint8, uint8, float32) {
	f.mu.Lock()
	f.onCt++
	f.mu.Unlock()
}
func (f *fakePort) SendNoteOff(uint8, uint8) {
	f.mu.Lock()
	f.offCt++
	f.mu.Unlock()
}
func (f *fakePort) SendCC(uint8, uint8, uint8) {}

func (f *fakePort) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onCt, f.offCt
}

func newTestDispatcher() (*Dispatcher, *fakePort, *sync.Mutex) {
	out := &fakePort{}
	var lock sync.Mutex
	sched := clock.New(nil)
	ledger := voice.New(out)
	return New(sched, ledger, &lock), out, &lock
}

func TestStartTimedNoteSchedulesOnAndOff(t *testing.T) {
	d, out, lock := newTestDispatcher()
	note := model.NoteItem{
		Pitch: 60, Velocity: 1.0, Channel: 1, PreDelayMs: 5,
		Duration: &model.DurationValue{Value: 10, Unit: model.UnitMs},
	}

	lock.Lock()
	d.Start("src", InstanceID{MappingID: "m1"}, note, 120, nil)
	lock.Unlock()

	time.Sleep(50 * time.Millisecond)

	on, off := out.counts()
	if on != 1 || off != 1 {
		t.Fatalf("expected one on and one off, got on=%d off=%d", on, off)
	}
}

func TestStartLatchedNoteStaysSustained(t *testing.T) {
	d, out, lock := newTestDispatcher()
	note := model.NoteItem{Pitch: 60, Velocity: 1.0, Channel: 1}

	lock.Lock()
	d.Start("src", InstanceID{MappingID: "m1"}, note, 120, nil)
	lock.Unlock()

	time.Sleep(20 * time.Millisecond)

	on, off := out.counts()
	if on != 1 || off != 0 {
		t.Fatalf("expected latched note to stay on, got on=%d off=%d", on, off)
	}

	lock.Lock()
	if got := d.SustainedCount("src"); got != 1 {
		t.Fatalf("expected 1 sustained voice, got %d", got)
	}
	d.StopAllSource("src")
	lock.Unlock()

	time.Sleep(10 * time.Millisecond)
	_, off = out.counts()
	if off != 1 {
		t.Fatalf("expected StopAllSource to release the latched voice, got off=%d", off)
	}
}

func TestStartSupersedesPriorTimer(t *testing.T) {
	d, out, lock := newTestDispatcher()
	note := model.NoteItem{Pitch: 60, Velocity: 1.0, Channel: 1, PreDelayMs: 40}

	lock.Lock()
	d.Start("src", InstanceID{MappingID: "m1"}, note, 120, nil)
	// Restart the same timer key before the first on-handle fires.
	d.Start("src", InstanceID{MappingID: "m1"}, note, 120, nil)
	lock.Unlock()

	time.Sleep(80 * time.Millisecond)

	on, _ := out.counts()
	if on != 1 {
		t.Fatalf("expected the superseded timer to never fire, got %d note-ons", on)
	}
}

func TestStopAllSourceCancelsSustainedAcrossInstances(t *testing.T) {
	d, _, lock := newTestDispatcher()
	noteA := model.NoteItem{Pitch: 60, Velocity: 1.0, Channel: 1}
	noteB := model.NoteItem{Pitch: 64, Velocity: 1.0, Channel: 1}

	lock.Lock()
	d.Start("seq1", InstanceID{MappingID: "m1"}, noteA, 120, nil)
	d.Start("seq1", InstanceID{MappingID: "m2"}, noteB, 120, nil)
	lock.Unlock()
	time.Sleep(20 * time.Millisecond)

	lock.Lock()
	if got := d.SustainedCount("seq1"); got != 2 {
		t.Fatalf("expected 2 sustained voices, got %d", got)
	}
	d.StopAllSource("seq1")
	if got := d.SustainedCount("seq1"); got != 0 {
		t.Fatalf("expected sustained set cleared, got %d", got)
	}
	lock.Unlock()
}
