package engine

import (
	"sync"
	"testing"
	"time"

	"stagehand/engine/model"
)

type recordedNote struct {
	kind    string
	channel uint8
	pitch   uint8
}

type fakePort struct {
	mu    sync.Mutex
	calls []recordedNote
}

func (f *fakePort) SendNoteOn(channel, pitch uint8, _ float32) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedNote{"on", channel, pitch})
	f.mu.Unlock()
}
func (f *fakePort) SendNoteOff(channel, pitch uint8) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedNote{"off", channel, pitch})
	f.mu.Unlock()
}
func (f *fakePort) SendCC(channel, cc, value uint8) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedNote{"cc", channel, cc})
	f.mu.Unlock()
}

func (f *fakePort) snapshot() []recordedNote {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedNote(nil), f.calls...)
}

func kbMapping(id, key, targetID string, action model.MappingAction) model.InputMapping {
	return model.InputMapping{ID: id, Scope: model.ScopeGlobal, Enabled: true, KeyboardValue: key, Action: action, TargetID: targetID}
}

// TestSingleLatchedPreset exercises spec scenario S1: pressing a key
// mapped to a latched single-note preset turns the note on; releasing
// turns it off, nothing else held.
func TestSingleLatchedPreset(t *testing.T) {
	project := &model.Project{
		Songs: []model.Song{{
			ID:  "song1",
			BPM: 120,
			Presets: []model.Preset{
				{ID: "p1", Notes: []model.NoteItem{{Pitch: 60, Velocity: 1, Channel: 1}}},
			},
			Mappings: []model.InputMapping{kbMapping("m1", "a", "p1", model.ActionPreset)},
		}},
	}
	out := &fakePort{}
	eng := New(project, out, 0)

	eng.Submit(TriggerEvent{Source: TriggerKeyboard, Press: true, Value: "a"})
	time.Sleep(10 * time.Millisecond)
	if notes := eng.ObserveActiveNotes(); len(notes) != 1 || notes[0].Pitch != 60 {
		t.Fatalf("expected pitch 60 held, got %+v", notes)
	}

	eng.Submit(TriggerEvent{Source: TriggerKeyboard, Press: false, Value: "a"})
	time.Sleep(10 * time.Millisecond)
	if notes := eng.ObserveActiveNotes(); len(notes) != 0 {
		t.Fatalf("expected no notes held after release, got %+v", notes)
	}
}

// TestOverlapCoalescing exercises S2: two overlapping triggers onto the
// same voice keep it held through the first release and leave nothing
// held after both releases.
func TestOverlapCoalescing(t *testing.T) {
	project := &model.Project{
		Songs: []model.Song{{
			ID:  "song1",
			BPM: 120,
			Presets: []model.Preset{
				{ID: "p1", Notes: []model.NoteItem{{Pitch: 60, Velocity: 1, Channel: 1}}},
			},
			Mappings: []model.InputMapping{
				kbMapping("m1", "a", "p1", model.ActionPreset),
				kbMapping("m2", "b", "p1", model.ActionPreset),
			},
		}},
	}
	out := &fakePort{}
	eng := New(project, out, 0)

	eng.Submit(TriggerEvent{Source: TriggerKeyboard, Press: true, Value: "a"})
	eng.Submit(TriggerEvent{Source: TriggerKeyboard, Press: true, Value: "b"})
	time.Sleep(10 * time.Millisecond)
	eng.Submit(TriggerEvent{Source: TriggerKeyboard, Press: false, Value: "a"})
	time.Sleep(10 * time.Millisecond)

	// First release should not silence the voice; "b" still holds it.
	if notes := eng.ObserveActiveNotes(); len(notes) != 1 {
		t.Fatalf("expected voice to stay held after first release, got %+v", notes)
	}

	eng.Submit(TriggerEvent{Source: TriggerKeyboard, Press: false, Value: "b"})
	time.Sleep(10 * time.Millisecond)
	if notes := eng.ObserveActiveNotes(); len(notes) != 0 {
		t.Fatalf("expected voice released after both releases, got %+v", notes)
	}
}

// TestSequenceStepAdvance exercises S3: stepping through a sequence
// advances its reported position.
func TestSequenceStepAdvance(t *testing.T) {
	project := &model.Project{
		Songs: []model.Song{{
			ID:  "song1",
			BPM: 120,
			Sequences: []model.Sequence{{
				ID:   "seq1",
				Mode: model.ModeStep,
				Items: []model.SequenceItem{
					{ID: "i1", Type: model.ItemInlineNote, NoteData: &model.NoteItem{Pitch: 60, Velocity: 1, Channel: 1}},
					{ID: "i2", Type: model.ItemInlineNote, NoteData: &model.NoteItem{Pitch: 62, Velocity: 1, Channel: 1}},
				},
			}},
			Mappings: []model.InputMapping{kbMapping("m1", "a", "seq1", model.ActionSequence)},
		}},
	}
	out := &fakePort{}
	eng := New(project, out, 0)

	eng.Submit(TriggerEvent{Source: TriggerKeyboard, Press: true, Value: "a"})
	if pos := eng.ObserveStepPositions()["seq1"]; pos != 0 {
		t.Fatalf("expected step position 0 after first press, got %d", pos)
	}
	eng.Submit(TriggerEvent{Source: TriggerKeyboard, Press: true, Value: "a"})
	if pos := eng.ObserveStepPositions()["seq1"]; pos != 1 {
		t.Fatalf("expected step position 1 after second press, got %d", pos)
	}
}

// TestSceneSwitchChangesActiveMappings exercises S5-adjacent
// behavior: a mapping outside the active scene never matches, and
// switching scenes changes which mapping is live without disturbing
// held notes (spec §9).
func TestSceneSwitchChangesActiveMappings(t *testing.T) {
	project := &model.Project{
		Songs: []model.Song{{
			ID:  "song1",
			BPM: 120,
			Presets: []model.Preset{
				{ID: "p1", Notes: []model.NoteItem{{Pitch: 60, Velocity: 1, Channel: 1}}},
				{ID: "p2", Notes: []model.NoteItem{{Pitch: 64, Velocity: 1, Channel: 1}}},
			},
			Scenes: []model.Scene{
				{ID: "verse", MappingIDs: map[string]bool{"m1": true}},
				{ID: "chorus", MappingIDs: map[string]bool{"m2": true}},
			},
			ActiveSceneID: "verse",
			Mappings: []model.InputMapping{
				{ID: "m1", Scope: model.ScopeScene, Enabled: true, KeyboardValue: "a", Action: model.ActionPreset, TargetID: "p1"},
				{ID: "m2", Scope: model.ScopeScene, Enabled: true, KeyboardValue: "a", Action: model.ActionPreset, TargetID: "p2"},
			},
		}},
	}
	out := &fakePort{}
	eng := New(project, out, 0)

	eng.Submit(TriggerEvent{Source: TriggerKeyboard, Press: true, Value: "a"})
	time.Sleep(10 * time.Millisecond)
	if notes := eng.ObserveActiveNotes(); len(notes) != 1 || notes[0].Pitch != 60 {
		t.Fatalf("expected verse scene to trigger pitch 60, got %+v", notes)
	}

	eng.SetActiveScene("chorus")
	eng.Submit(TriggerEvent{Source: TriggerKeyboard, Press: true, Value: "a"})
	time.Sleep(10 * time.Millisecond)

	notes := eng.ObserveActiveNotes()
	if len(notes) != 2 {
		t.Fatalf("expected the verse note to remain held and a new chorus note added, got %+v", notes)
	}
}

// TestPanicClearsEverything exercises S6: Panic silences every held
// voice and broadcasts all-notes-off.
func TestPanicClearsEverything(t *testing.T) {
	project := &model.Project{
		Songs: []model.Song{{
			ID:  "song1",
			BPM: 120,
			Presets: []model.Preset{
				{ID: "p1", Notes: []model.NoteItem{{Pitch: 60, Velocity: 1, Channel: 1}, {Pitch: 64, Velocity: 1, Channel: 1}}},
			},
			Mappings: []model.InputMapping{kbMapping("m1", "a", "p1", model.ActionPreset)},
		}},
	}
	out := &fakePort{}
	eng := New(project, out, 0)

	eng.Submit(TriggerEvent{Source: TriggerKeyboard, Press: true, Value: "a"})
	time.Sleep(10 * time.Millisecond)
	if notes := eng.ObserveActiveNotes(); len(notes) != 2 {
		t.Fatalf("expected 2 notes held before panic, got %+v", notes)
	}

	eng.Panic()

	if notes := eng.ObserveActiveNotes(); len(notes) != 0 {
		t.Fatalf("expected no notes held after panic, got %+v", notes)
	}
	ccCount := 0
	for _, c := range out.snapshot() {
		if c.kind == "cc" {
			ccCount++
		}
	}
	if ccCount != 16 {
		t.Fatalf("expected panic to broadcast CC 123 on 16 channels, got %d", ccCount)
	}
}

// TestGlobalMappingSwitchesSong exercises next/prev/goto song actions.
func TestGlobalMappingSwitchesSong(t *testing.T) {
	project := &model.Project{
		Songs: []model.Song{
			{ID: "song1", BPM: 120},
			{ID: "song2", BPM: 140},
		},
		GlobalMappings: []model.GlobalMapping{
			{ID: "g1", Enabled: true, KeyboardValue: "n", Action: model.GlobalNextSong},
		},
	}
	out := &fakePort{}
	eng := New(project, out, 0)

	eng.Submit(TriggerEvent{Source: TriggerKeyboard, Press: true, Value: "n"})
	if got := eng.Project().CurrentSong().ID; got != "song2" {
		t.Fatalf("expected current song to advance to song2, got %s", got)
	}
}

// TestUnknownMappingTargetIsBenign exercises §4.8: an unresolvable
// target never panics the engine, it just logs and no-ops.
func TestUnknownMappingTargetIsBenign(t *testing.T) {
	project := &model.Project{
		Songs: []model.Song{{
			ID:       "song1",
			BPM:      120,
			Mappings: []model.InputMapping{kbMapping("m1", "a", "missing", model.ActionPreset)},
		}},
	}
	out := &fakePort{}
	eng := New(project, out, 0)

	eng.Submit(TriggerEvent{Source: TriggerKeyboard, Press: true, Value: "a"})
	if notes := eng.ObserveActiveNotes(); len(notes) != 0 {
		t.Fatalf("expected no notes from an unresolvable target, got %+v", notes)
	}
}
