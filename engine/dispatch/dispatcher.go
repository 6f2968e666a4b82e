// Package dispatch implements the NoteDispatcher: it schedules a
// preset's notes — pre-delay then duration or latch — against the
// clock, and records which voices a given source left sustained so a
// later step or release can find and terminate them (spec §4.3).
//
// Dispatcher itself holds no lock: every exported method, and every
// clock.Task it schedules, must run with the engine's shared lock held.
// This mirrors the teacher's single-executor discipline (spec §5)
// without making every package re-derive its own locking story.
package dispatch

import (
	"sync"

	"stagehand/engine/clock"
	"stagehand/engine/model"
	"stagehand/engine/voice"
)

// SourceID groups together all notes a caller started, so they can be
// collectively released — typically a preset id or sequence id.
type SourceID string

// InstanceID is one physical trigger invocation: (mapping id, trigger
// value), distinguishing overlapping controllers that target the same
// preset (spec §3, "Glossary").
type InstanceID struct {
	MappingID    string
	TriggerValue string
}

// TimerKey is the unique key for one outstanding scheduled note.
type TimerKey struct {
	Source   SourceID
	Instance InstanceID
	Pitch    uint8
}

type taskState struct {
	onHandle  clock.Handle
	offHandle clock.Handle
	playing   bool
	channel   uint8
	pitch     uint8
}

// Dispatcher schedules note-on/off pairs and tracks sustained (latched)
// voices per source.
type Dispatcher struct {
	sched  *clock.Scheduler
	ledger *voice.Ledger
	lock   *sync.Mutex // the engine's shared lock; see package doc.

	scheduled map[TimerKey]*taskState
	// sustained counts, per source, how many outstanding latched holds
	// exist on each voice — a depth, not a set, because two distinct
	// trigger instances of the same source (spec §4.2 overlap
	// coalescing) can each latch the same (channel, pitch), and both
	// holds must be individually released rather than collapsed into one.
	sustained map[SourceID]map[voice.Key]int
}

// New creates a Dispatcher. lock must be the same mutex the owning
// Engine holds while calling into Dispatcher's exported methods.
func New(sched *clock.Scheduler, ledger *voice.Ledger, lock *sync.Mutex) *Dispatcher {
	return &Dispatcher{
		sched:     sched,
		ledger:    ledger,
		lock:      lock,
		scheduled: make(map[TimerKey]*taskState),
		sustained: make(map[SourceID]map[voice.Key]int),
	}
}

// resolveDuration picks override over note duration, then resolves
// beats to milliseconds at bpm. Returns (ms, latched).
func resolveDuration(note model.NoteItem, override *model.DurationValue, bpm float64) (float64, bool) {
	d := note.Duration
	if override != nil {
		d = override
	}
	if d == nil {
		return 0, true
	}
	return d.ResolveMs(bpm), false
}

// Start schedules note per spec §4.3:
//  1. cancel any prior task under the same timer key, releasing the
//     voice first if it was playing;
//  2. resolve the duration (override wins, then note.Duration; beats
//     resolved via bpm; nil means latched);
//  3. schedule the on-handle at PreDelayMs, and — if not latched — have
//     it schedule the off-handle duration ms after it fires (so
//     PreDelayMs+duration after Start).
//
// Caller must hold the engine's shared lock.
func (d *Dispatcher) Start(source SourceID, instance InstanceID, note model.NoteItem, bpm float64, override *model.DurationValue) TimerKey {
	key := TimerKey{Source: source, Instance: instance, Pitch: note.Pitch}
	d.cancelLocked(key)

	durMs, latched := resolveDuration(note, override, bpm)

	ts := &taskState{channel: note.Channel, pitch: note.Pitch}
	d.scheduled[key] = ts

	channel, pitch, velocity := note.Channel, note.Pitch, note.Velocity
	ts.onHandle = d.sched.Schedule(note.PreDelayMs, func() {
		d.lock.Lock()
		defer d.lock.Unlock()
		if d.scheduled[key] != ts {
			return // superseded or cancelled since scheduling
		}
		startMs := d.sched.Now().UnixMilli()
		var durPtr *float64
		if !latched {
			durPtr = &durMs
		}
		d.ledger.AcquireAt(channel, pitch, velocity, startMs, durPtr)
		ts.playing = true

		if latched {
			d.addSustained(source, channel, pitch)
			return
		}

		offDelay := uint32(durMs)
		ts.offHandle = d.sched.Schedule(offDelay, func() {
			d.lock.Lock()
			defer d.lock.Unlock()
			if d.scheduled[key] != ts {
				return
			}
			d.ledger.Release(channel, pitch)
			delete(d.scheduled, key)
		})
	})

	return key
}

// Stop cancels a single timer key's on/off handles; if the note was
// already playing, releases the voice; removes it from the source's
// sustained set either way. Caller must hold the engine's shared lock.
func (d *Dispatcher) Stop(source SourceID, instance InstanceID, pitch uint8) {
	key := TimerKey{Source: source, Instance: instance, Pitch: pitch}
	d.stopKeyLocked(key)
}

func (d *Dispatcher) stopKeyLocked(key TimerKey) {
	ts, ok := d.scheduled[key]
	if !ok {
		return
	}
	d.sched.Cancel(ts.onHandle)
	d.sched.Cancel(ts.offHandle)
	delete(d.scheduled, key)
	if ts.playing {
		d.ledger.Release(ts.channel, ts.pitch)
	}
	d.removeSustained(key.Source, ts.channel, ts.pitch)
}

// cancelLocked is step 1 of Start: cancel any prior task under key,
// releasing the voice first if it was playing. Performs the same steps
// as Stop, including dropping the key's hold from the sustained set;
// Start's on-handle re-adds it if the new note is latched.
func (d *Dispatcher) cancelLocked(key TimerKey) {
	ts, ok := d.scheduled[key]
	if !ok {
		return
	}
	d.sched.Cancel(ts.onHandle)
	d.sched.Cancel(ts.offHandle)
	delete(d.scheduled, key)
	if ts.playing {
		d.ledger.Release(ts.channel, ts.pitch)
	}
	d.removeSustained(key.Source, ts.channel, ts.pitch)
}

// StopAllInstances releases every outstanding hold any trigger instance
// of source has latched or is still timing on pitch, across every
// instance — used when an owner's Close must fully silence a voice that
// more than one instance of the same source acquired (spec §4.2 overlap
// coalescing combined with §4.4's last-owner-wins Close: the releasing
// owner must drive the voice's refcount to zero, not just undo its own
// hold). Caller must hold the engine's shared lock.
func (d *Dispatcher) StopAllInstances(source SourceID, pitch uint8) {
	for key, ts := range d.scheduled {
		if key.Source != source || key.Pitch != pitch {
			continue
		}
		d.sched.Cancel(ts.onHandle)
		d.sched.Cancel(ts.offHandle)
		delete(d.scheduled, key)
		if ts.playing {
			d.ledger.Release(ts.channel, ts.pitch)
			d.removeSustained(key.Source, ts.channel, ts.pitch)
		}
	}
}

// StopAllSource releases every voice this source is currently holding —
// both latched notes and timed notes whose off-handle has not yet fired
// — and forgets every scheduled entry for it. Used on every sequence
// advance (spec §4.5) and by ResetSequences. Caller must hold the
// engine's shared lock.
func (d *Dispatcher) StopAllSource(source SourceID) {
	for key, ts := range d.scheduled {
		if key.Source != source {
			continue
		}
		d.sched.Cancel(ts.onHandle)
		d.sched.Cancel(ts.offHandle)
		delete(d.scheduled, key)
		if ts.playing {
			d.ledger.Release(ts.channel, ts.pitch)
		}
	}
	delete(d.sustained, source)
}

func (d *Dispatcher) addSustained(source SourceID, channel, pitch uint8) {
	set, ok := d.sustained[source]
	if !ok {
		set = make(map[voice.Key]int)
		d.sustained[source] = set
	}
	set[voice.Key{Channel: channel, Pitch: pitch}]++
}

func (d *Dispatcher) removeSustained(source SourceID, channel, pitch uint8) {
	set, ok := d.sustained[source]
	if !ok {
		return
	}
	k := voice.Key{Channel: channel, Pitch: pitch}
	if set[k] <= 1 {
		delete(set, k)
	} else {
		set[k]--
	}
	if len(set) == 0 {
		delete(d.sustained, source)
	}
}

// SustainedCount reports how many distinct voices a source currently
// holds latched — used by tests and by §8's "no stuck voices" property.
func (d *Dispatcher) SustainedCount(source SourceID) int {
	return len(d.sustained[source])
}

// SustainedSources returns every source currently holding at least one
// latched voice, for ResetSequences to fully release regardless of
// whether the source is a sequence or a preset (spec §4.7).
func (d *Dispatcher) SustainedSources() []SourceID {
	out := make([]SourceID, 0, len(d.sustained))
	for s := range d.sustained {
		out = append(out, s)
	}
	return out
}

// Reset drops every outstanding scheduled task and sustained set
// without releasing voices on the wire — used by Panic, which clears
// the VoiceLedger wholesale instead (spec §4.7).
func (d *Dispatcher) Reset() {
	for _, ts := range d.scheduled {
		d.sched.Cancel(ts.onHandle)
		d.sched.Cancel(ts.offHandle)
	}
	d.scheduled = make(map[TimerKey]*taskState)
	d.sustained = make(map[SourceID]map[voice.Key]int)
}
