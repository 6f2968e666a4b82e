// Package engine wires the Clock, VoiceLedger, NoteDispatcher,
// PresetEngine, SequenceEngine, and MappingResolver into the
// EventRouter and top-level API spec.md describes: trigger ingestion,
// mapping resolution, scene switches, global song actions, Panic, and
// ResetSequences (spec §1, §4.7, §6).
//
// Engine.mu is "the engine lock" spec §5 refers to: every exported
// method and every clock.Task scheduled anywhere in the engine
// subpackages acquires it before touching shared state or calling the
// OutputPort, so the engine behaves as the single logical executor the
// concurrency model describes without needing a dedicated goroutine
// loop to get there.
package engine

import (
	"sync"

	"stagehand/engine/clock"
	"stagehand/engine/dispatch"
	"stagehand/engine/mapping"
	"stagehand/engine/model"
	"stagehand/engine/ownership"
	"stagehand/engine/port"
	"stagehand/engine/preset"
	"stagehand/engine/sequence"
	"stagehand/engine/voice"
	"stagehand/internal/telemetry"
)

// TriggerKind is the origin of a TriggerEvent.
type TriggerKind string

const (
	TriggerKeyboard TriggerKind = "keyboard"
	TriggerMIDI     TriggerKind = "midi"
)

// TriggerEvent is what external I/O feeds into Engine.Submit (spec §6
// "Input contract"). Repeats from key auto-repeat must be filtered by
// the caller before Submit is called.
type TriggerEvent struct {
	TimeMs  int64
	Source  TriggerKind
	Press   bool // true = press, false = release
	Value   string
	Channel *uint8 // MIDI channel, nil for keyboard events
}

// ActiveNote is a read-only snapshot for a UI collaborator.
type ActiveNote struct {
	Channel    uint8
	Pitch      uint8
	StartMs    int64
	DurationMs *float64
}

// fatalReleaseWithoutAcquireThreshold is the §7 "more than N times in
// a window" trigger for forcing a Panic. The window is simply "since
// the last Panic", matching the ledger's own running counter, which only
// ClearAll resets (ResetSequences leaves it alone).
const fatalReleaseWithoutAcquireThreshold = 50

// Engine is the live-performance trigger-to-MIDI engine.
type Engine struct {
	mu sync.Mutex

	sched      *clock.Scheduler
	ledger     *voice.Ledger
	dispatcher *dispatch.Dispatcher
	owners     *ownership.Registry
	presets    *preset.Engine
	sequences  *sequence.Engine

	project *model.Project
}

// New constructs an Engine over project, writing MIDI to out. out may
// be nil, in which case every send is a no-op until SetOutput attaches
// a real port (spec §4.8).
func New(project *model.Project, out port.OutputPort, debounceMs int) *Engine {
	sched := clock.New(nil)
	ledger := voice.New(out)
	e := &Engine{
		sched:   sched,
		ledger:  ledger,
		owners:  ownership.New(),
		project: project,
	}
	e.dispatcher = dispatch.New(sched, ledger, &e.mu)
	e.presets = preset.New(e.dispatcher, e.owners)
	e.sequences = sequence.New(e.dispatcher, e.owners, sched, &e.mu, debounceMs)
	return e
}

// SetOutput swaps the attached OutputPort, e.g. on reconnect.
func (e *Engine) SetOutput(out port.OutputPort) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ledger.SetOutput(out)
}

// SetChannelMute mutes or unmutes outgoing MIDI traffic on channel,
// independent of which presets or sequences are driving it (ambient
// mixing control, not audio synthesis).
func (e *Engine) SetChannelMute(channel uint8, muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ledger.SetChannelMuted(channel, muted)
}

// SetCurrentSong changes which song in the project is current.
func (e *Engine) SetCurrentSong(songID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.project.FindSong(songID) != nil {
		e.project.CurrentSongID = songID
	}
}

// SetActiveScene changes the current song's active scene. Per spec
// §9 "Scene switching without silencing", this never releases held
// notes — only future press-time matching is affected.
func (e *Engine) SetActiveScene(sceneID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	song := e.project.CurrentSong()
	if song == nil {
		return
	}
	if song.FindScene(sceneID) != nil {
		song.ActiveSceneID = sceneID
	}
}

// Submit is the EventRouter entry point (spec §4.7): it resolves the
// active song's mappings and the project's global mappings against ev
// and dispatches to PresetEngine, SequenceEngine, or a global action.
func (e *Engine) Submit(ev TriggerEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	song := e.project.CurrentSong()
	if song == nil {
		telemetry.Benign("router", "submit with no current song")
		return
	}

	kind := mapping.KindKeyboard
	if ev.Source == TriggerMIDI {
		kind = mapping.KindMIDI
	}

	if ev.Press {
		for _, g := range mapping.MatchGlobal(e.project.GlobalMappings, kind, ev.Value, ev.Channel) {
			e.dispatchGlobal(g)
		}
	}

	for _, m := range mapping.Match(song, kind, ev.Value, ev.Channel) {
		instance := dispatch.InstanceID{MappingID: m.ID, TriggerValue: ev.Value}
		e.dispatchMapping(song, m, instance, ev)
	}

	e.checkFatal()
}

func (e *Engine) dispatchMapping(song *model.Song, m *model.InputMapping, instance dispatch.InstanceID, ev TriggerEvent) {
	switch m.Action {
	case model.ActionSwitchScene:
		if ev.Press {
			// Press only — release is explicitly a no-op (spec §4.7, §9).
			if song.FindScene(m.TargetID) != nil {
				song.ActiveSceneID = m.TargetID
			} else {
				telemetry.Benign("router", "switch to unknown scene %s", m.TargetID)
			}
		}

	case model.ActionPreset:
		p := song.FindPreset(m.TargetID)
		if p == nil {
			telemetry.Benign("router", "preset mapping %s: unknown target %s", m.ID, m.TargetID)
			return
		}
		source := dispatch.SourceID(p.ID)
		if ev.Press {
			e.presets.Open(p, instance, song.BPM, nil, false, source)
		} else {
			e.presets.Close(p, instance, source, false)
		}

	case model.ActionSequence:
		seq := song.FindSequence(m.TargetID)
		if seq == nil {
			telemetry.Benign("router", "sequence mapping %s: unknown target %s", m.ID, m.TargetID)
			return
		}
		if ev.Press {
			e.sequences.Press(song, seq, instance, ev.TimeMs)
		} else {
			e.sequences.Release(song, seq, instance)
		}

	default:
		telemetry.Benign("router", "mapping %s has unknown action %q", m.ID, m.Action)
	}
}

func (e *Engine) dispatchGlobal(g *model.GlobalMapping) {
	switch g.Action {
	case model.GlobalNextSong:
		e.stepSong(1)
	case model.GlobalPrevSong:
		e.stepSong(-1)
	case model.GlobalGotoSong:
		if g.ActionValue == nil {
			return
		}
		idx := *g.ActionValue - 1
		if idx >= 0 && idx < len(e.project.Songs) {
			e.project.CurrentSongID = e.project.Songs[idx].ID
		} else {
			telemetry.Benign("router", "goto_song %d out of range", *g.ActionValue)
		}
	case model.GlobalResetSequences:
		e.resetSequencesLocked()
	default:
		telemetry.Benign("router", "global mapping %s has unknown action %q", g.ID, g.Action)
	}
}

func (e *Engine) stepSong(delta int) {
	idx := -1
	for i := range e.project.Songs {
		if e.project.Songs[i].ID == e.project.CurrentSongID {
			idx = i
			break
		}
	}
	if idx < 0 {
		if len(e.project.Songs) == 0 {
			return
		}
		// An unset or stale CurrentSongID means the first song is current
		// (model.Project.CurrentSong), so step from there.
		idx = 0
	}
	next := idx + delta
	if next < 0 {
		next = 0
	}
	if next >= len(e.project.Songs) {
		next = len(e.project.Songs) - 1
	}
	e.project.CurrentSongID = e.project.Songs[next].ID
}

// ResetSequences clears all Step/Auto/Group runtime state and
// ownership, releasing every sustained note first (spec §4.7). It does
// not touch the VoiceLedger's refcounts directly — the releases above
// do that naturally.
func (e *Engine) ResetSequences() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetSequencesLocked()
}

func (e *Engine) resetSequencesLocked() {
	// Release every source the dispatcher currently has sustained, not
	// just this song's sequences — a latched note opened through a
	// preset source (or a preset's own glissando source) must not
	// survive ResetSequences either (spec §4.7: "for each source in
	// sustained, release all and drop").
	for _, source := range e.dispatcher.SustainedSources() {
		e.dispatcher.StopAllSource(source)
	}
	e.owners.Clear()
	e.sequences.Reset()
}

// Panic silences everything immediately: every outstanding scheduler
// handle is cancelled, the VoiceLedger broadcasts CC 123 on every
// channel and drops its table, and all runtime state but the data
// model is dropped (spec §4.7).
func (e *Engine) Panic() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.panicLocked()
}

func (e *Engine) panicLocked() {
	e.dispatcher.Reset()
	e.ledger.ClearAll()
	e.owners.Clear()
	e.sequences.Reset()
	telemetry.Log("panic", "engine panicked: all voices cleared")
}

// checkFatal enforces spec §7's fatal-condition Panic trigger: a
// release-without-acquire count crossing fatalReleaseWithoutAcquireThreshold
// indicates a genuine VoiceLedger invariant violation rather than an
// isolated stale release, so the engine panics and resets rather than
// limping on.
func (e *Engine) checkFatal() {
	if e.ledger.ReleaseWithoutAcquireCount() >= fatalReleaseWithoutAcquireThreshold {
		telemetry.Fatal("voice", "release-without-acquire threshold reached, forcing panic")
		e.panicLocked()
	}
}

// ObserveActiveNotes returns a snapshot of every currently held voice.
func (e *Engine) ObserveActiveNotes() []ActiveNote {
	e.mu.Lock()
	defer e.mu.Unlock()
	notes := e.ledger.ActiveNotes()
	out := make([]ActiveNote, len(notes))
	for i, n := range notes {
		out[i] = ActiveNote{Channel: n.Channel, Pitch: n.Pitch, StartMs: n.StartMs, DurationMs: n.DurationMs}
	}
	return out
}

// ObserveStepPositions returns every sequence's last published step
// position in the current song, -1 meaning ready/reset (spec §6).
func (e *Engine) ObserveStepPositions() map[string]int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int32)
	song := e.project.CurrentSong()
	if song == nil {
		return out
	}
	for _, seq := range song.Sequences {
		out[seq.ID] = e.sequences.StepPosition(seq.ID)
	}
	return out
}

// Project returns the engine's project snapshot, for callers that need
// read access (e.g. a persistence layer saving after edits made
// between performance runs).
func (e *Engine) Project() *model.Project {
	return e.project
}

// Close releases every held voice and stops the scheduler, guaranteed
// on every exit path including error (spec §5 "Resource acquisition").
func (e *Engine) Close() {
	e.mu.Lock()
	e.panicLocked()
	e.mu.Unlock()
	e.sched.Stop()
}

// Now returns the engine's monotonic clock reading in epoch
// milliseconds, for callers constructing TriggerEvent.TimeMs.
func (e *Engine) Now() int64 {
	return e.sched.Now().UnixMilli()
}
