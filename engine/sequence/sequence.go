// Package sequence implements the SequenceEngine: the Step, Auto, and
// Group state machines that advance a Sequence's playhead on each
// trigger press/release (spec §4.5).
//
// Engine holds no lock of its own — every exported method, and every
// clock.Task it schedules for Auto mode, must run with the caller's
// shared engine lock held, exactly like package dispatch and preset.
package sequence

import (
	"sync"

	"stagehand/engine/clock"
	"stagehand/engine/dispatch"
	"stagehand/engine/model"
	"stagehand/engine/ownership"
	"stagehand/internal/telemetry"
)

// groupPos is the outer/inner playhead for Group sequences built from
// sub-sequence references (spec §4.5).
type groupPos struct {
	Outer, Inner int
}

// Engine runs the three sequence state machines.
type Engine struct {
	dispatcher *dispatch.Dispatcher
	owners     *ownership.Registry
	sched      *clock.Scheduler
	lock       *sync.Mutex
	debounceMs int64

	stepIndex          map[string]int               // seq id -> next item index
	groupIndex         map[string]groupPos           // seq id -> outer/inner playhead
	lastTriggeredIndex map[dispatch.InstanceID]int   // instance -> item index it started
	lastPressMs        map[dispatch.InstanceID]int64 // instance -> last press time, for debounce
	stepPositions      map[string]int32              // seq id -> last published position, -1 = reset
}

// New creates a SequenceEngine. lock must be the same mutex the owning
// Engine holds while calling into SequenceEngine's exported methods and
// must be re-acquired by any clock.Task this package schedules.
func New(d *dispatch.Dispatcher, owners *ownership.Registry, sched *clock.Scheduler, lock *sync.Mutex, debounceMs int) *Engine {
	return &Engine{
		dispatcher:         d,
		owners:             owners,
		sched:              sched,
		lock:               lock,
		debounceMs:         int64(debounceMs),
		stepIndex:          make(map[string]int),
		groupIndex:         make(map[string]groupPos),
		lastTriggeredIndex: make(map[dispatch.InstanceID]int),
		lastPressMs:        make(map[dispatch.InstanceID]int64),
		stepPositions:      make(map[string]int32),
	}
}

// sourceFor returns the dispatch source id grouping a sequence's notes
// — the sequence's own id (spec §4.5: "start item ... with source_id =
// seq_id").
func sourceFor(seq *model.Sequence) dispatch.SourceID {
	return dispatch.SourceID(seq.ID)
}

// debounced reports whether this press should be ignored because it
// arrived within the debounce window of the instance's last press
// (spec §4.5, §9 — default 30ms, protects against controller bounce).
func (e *Engine) debounced(instance dispatch.InstanceID, nowMs int64) bool {
	last, ok := e.lastPressMs[instance]
	if ok && nowMs-last < e.debounceMs {
		return true
	}
	e.lastPressMs[instance] = nowMs
	return false
}

func (e *Engine) bpmFor(song *model.Song, seq *model.Sequence) float64 {
	if seq.BPMOverride != nil && *seq.BPMOverride > 0 {
		return *seq.BPMOverride
	}
	if song != nil && song.BPM > 0 {
		return song.BPM
	}
	return 120
}

// Press handles a press on seq, dispatching to the Step, Auto, or
// Group state machine. nowMs is the caller's monotonic clock reading,
// used for debounce.
func (e *Engine) Press(song *model.Song, seq *model.Sequence, instance dispatch.InstanceID, nowMs int64) {
	switch seq.Mode {
	case model.ModeAuto:
		e.pressAuto(song, seq, instance)
	case model.ModeGroup:
		if seq.HasSubSequenceItems() {
			e.pressGroup(song, seq, instance, nowMs)
		} else {
			e.pressStep(song, seq, instance, nowMs) // fallback (spec §9)
		}
	default:
		e.pressStep(song, seq, instance, nowMs)
	}
}

// Release handles a release on seq. Auto mode has no release handler
// (spec §4.5); Step and Group (sub-sequence) both use the Step release
// rule.
func (e *Engine) Release(song *model.Song, seq *model.Sequence, instance dispatch.InstanceID) {
	if seq.Mode == model.ModeAuto {
		return
	}
	e.releaseStep(song, seq, instance)
}

// --- Step mode -------------------------------------------------------

func (e *Engine) pressStep(song *model.Song, seq *model.Sequence, instance dispatch.InstanceID, nowMs int64) {
	if e.debounced(instance, nowMs) {
		telemetry.Benign("sequence", "debounced press on %s", seq.ID)
		return
	}

	e.dispatcher.StopAllSource(sourceFor(seq))

	source := sourceFor(seq)
	e.owners.Take(string(source), instance)

	i := e.stepIndex[seq.ID] // zero value default 0
	if len(seq.Items) == 0 {
		return
	}
	i = i % len(seq.Items)
	item := seq.Items[i]

	e.lastTriggeredIndex[instance] = i
	e.startItem(song, seq, &item, source, instance)

	e.stepIndex[seq.ID] = (i + 1) % len(seq.Items)
	e.stepPositions[seq.ID] = int32(i)
}

func (e *Engine) releaseStep(song *model.Song, seq *model.Sequence, instance dispatch.InstanceID) {
	source := sourceFor(seq)
	if !e.owners.IsOwner(string(source), instance) {
		return
	}

	i, ok := e.lastTriggeredIndex[instance]
	if !ok || i < 0 {
		return
	}
	items := seq.Items
	if seq.Mode == model.ModeGroup && seq.HasSubSequenceItems() {
		// pressGroup records the absolute position across the
		// sub-sequences (groupAbsolutePosition), so index the same
		// flattened list here.
		items = nil
		for _, outer := range seq.Items {
			if sub := song.FindSequence(outer.TargetID); sub != nil {
				items = append(items, sub.Items...)
			}
		}
	}
	if i >= len(items) {
		return
	}
	item := items[i]

	if item.SustainUntilNext {
		return // spec §4.5: the next press's stop_all_source ends it
	}
	e.closeItem(song, seq, &item, source, instance)
}

// --- Auto mode --------------------------------------------------------

func (e *Engine) pressAuto(song *model.Song, seq *model.Sequence, instance dispatch.InstanceID) {
	source := sourceFor(seq)
	bpm := e.bpmFor(song, seq)

	// Each item is scheduled independently; a second press while a
	// prior Auto playback is still scheduling produces overlapping
	// timer chains, and the source does not cancel the prior chain
	// (spec §9, Open Question — preserved deliberately).
	for i := range seq.Items {
		item := seq.Items[i]
		delayMs := uint32(clock.BeatMs(item.BeatPosition, bpm))
		e.sched.Schedule(delayMs, func() {
			e.lock.Lock()
			defer e.lock.Unlock()
			e.startItem(song, seq, &item, source, instance)
		})
	}
}

// --- Group mode ---------------------------------------------------

func (e *Engine) pressGroup(song *model.Song, seq *model.Sequence, instance dispatch.InstanceID, nowMs int64) {
	if e.debounced(instance, nowMs) {
		telemetry.Benign("sequence", "debounced press on %s", seq.ID)
		return
	}

	source := sourceFor(seq)
	e.dispatcher.StopAllSource(source)
	e.owners.Take(string(source), instance)

	pos := e.groupIndex[seq.ID]
	outerLen := len(seq.Items)
	if outerLen == 0 {
		return
	}
	pos.Outer %= outerLen
	outerItem := seq.Items[pos.Outer]

	sub := song.FindSequence(outerItem.TargetID)
	if sub == nil || len(sub.Items) == 0 {
		telemetry.Benign("sequence", "group %s: unknown or empty sub-sequence %s", seq.ID, outerItem.TargetID)
		return
	}
	pos.Inner %= len(sub.Items)
	item := sub.Items[pos.Inner]

	absolute := e.groupAbsolutePosition(song, seq, pos)
	e.lastTriggeredIndex[instance] = absolute

	e.startItem(song, seq, &item, source, instance)

	pos.Inner++
	if pos.Inner >= len(sub.Items) {
		pos.Inner = 0
		pos.Outer = (pos.Outer + 1) % outerLen
	}
	e.groupIndex[seq.ID] = pos
	e.stepPositions[seq.ID] = int32(absolute)
}

// groupAbsolutePosition sums the lengths of prior outer sub-sequences
// plus the current inner index, for UI observation (spec §4.5 "Emit an
// absolute step position").
func (e *Engine) groupAbsolutePosition(song *model.Song, seq *model.Sequence, pos groupPos) int {
	total := 0
	for i := 0; i < pos.Outer; i++ {
		if sub := song.FindSequence(seq.Items[i].TargetID); sub != nil {
			total += len(sub.Items)
		}
	}
	return total + pos.Inner
}

// --- Shared item start/stop ------------------------------------------

// startItem starts one SequenceItem. For a preset reference, every
// note in the preset is scheduled directly against source — ownership
// is already tracked at the sequence level by the caller, so this
// bypasses preset.Engine's own per-source ownership bookkeeping (spec
// §4.5 keys ownership by seq_id, not by the preset's id).
func (e *Engine) startItem(song *model.Song, seq *model.Sequence, item *model.SequenceItem, source dispatch.SourceID, instance dispatch.InstanceID) {
	bpm := e.bpmFor(song, seq)
	override := overrideDuration(item)

	switch item.Type {
	case model.ItemPresetRef:
		p := song.FindPreset(item.TargetID)
		if p == nil {
			telemetry.Benign("sequence", "unknown preset target %s", item.TargetID)
			return
		}
		for _, note := range p.Notes {
			e.dispatcher.Start(source, instance, note, bpm, override)
		}
	case model.ItemInlineNote:
		if item.NoteData == nil {
			return
		}
		e.dispatcher.Start(source, instance, *item.NoteData, bpm, override)
	default:
		telemetry.Benign("sequence", "item %s has no playable content", item.ID)
	}
}

// closeItem ends one SequenceItem's notes.
func (e *Engine) closeItem(song *model.Song, seq *model.Sequence, item *model.SequenceItem, source dispatch.SourceID, instance dispatch.InstanceID) {
	switch item.Type {
	case model.ItemPresetRef:
		p := song.FindPreset(item.TargetID)
		if p == nil {
			return
		}
		for _, note := range p.Notes {
			e.dispatcher.Stop(source, instance, note.Pitch)
		}
	case model.ItemInlineNote:
		if item.NoteData == nil {
			return
		}
		e.dispatcher.Stop(source, instance, item.NoteData.Pitch)
	}
}

func overrideDuration(item *model.SequenceItem) *model.DurationValue {
	if item.OverrideDuration == nil {
		return nil
	}
	unit := model.UnitMs
	if item.OverrideUnit != nil {
		unit = *item.OverrideUnit
	}
	return &model.DurationValue{Value: *item.OverrideDuration, Unit: unit}
}

// StepPosition returns the last published step position for seqID, or
// -1 if the sequence has never been triggered or was reset (spec §6
// observe_step_positions — "−1 means ready/reset").
func (e *Engine) StepPosition(seqID string) int32 {
	if p, ok := e.stepPositions[seqID]; ok {
		return p
	}
	return -1
}

// Reset clears all Step/Auto/Group runtime state — used by
// ResetSequences (spec §4.7). It does not release held voices; the
// caller (Engine.ResetSequences) is responsible for releasing
// sustained notes via Dispatcher.StopAllSource before calling Reset.
func (e *Engine) Reset() {
	e.stepIndex = make(map[string]int)
	e.groupIndex = make(map[string]groupPos)
	e.lastTriggeredIndex = make(map[dispatch.InstanceID]int)
	e.stepPositions = make(map[string]int32)
	// lastPressMs is deliberately kept — debounce must survive a reset,
	// otherwise ResetSequences itself could be used to defeat it.
}
