// Package preset implements the PresetEngine: opening and closing a
// preset under a given trigger instance, enforcing last-owner release,
// and running the attack/release glissando walk (spec §4.4).
//
// Like dispatch and ownership, Engine here holds no lock of its own —
// every exported method must run with the caller's shared engine lock
// held.
package preset

import (
	"stagehand/engine/dispatch"
	"stagehand/engine/model"
	"stagehand/engine/ownership"
)

// Engine opens and closes presets.
type Engine struct {
	dispatcher *dispatch.Dispatcher
	owners     *ownership.Registry
}

// New creates a PresetEngine sharing the dispatcher and ownership
// registry with the rest of the engine.
func New(d *dispatch.Dispatcher, owners *ownership.Registry) *Engine {
	return &Engine{dispatcher: d, owners: owners}
}

// Open starts a preset under instance, records ownership against
// sourceID (spec §4.4 "owner[source_id] = instance_id" — keyed by
// whatever source the caller passes; the engine's preset mappings pass
// the preset id), runs the attack glissando synchronously if
// configured, then schedules every note in the preset.
func (e *Engine) Open(preset *model.Preset, instance dispatch.InstanceID, bpm float64, override *model.DurationValue, isSustainedMode bool, sourceID dispatch.SourceID) {
	e.owners.Take(string(sourceID), instance)

	var walkDelayMs uint32
	if preset.Glissando != nil && preset.Glissando.AttackOn {
		walkDelayMs = e.runGlissando(*preset.Glissando, sourceID, instance, bpm, ascending(preset.Glissando))
	}

	for _, note := range preset.Notes {
		// The attack walk must finish before the preset's own notes
		// sound (spec §4.4 "run the attack glissando synchronously
		// before scheduling preset notes") — since the walk itself is
		// scheduled rather than blocking, that means offsetting each
		// note's pre-delay by the walk's total duration so it can never
		// land on top of the walk's final step.
		note.PreDelayMs += walkDelayMs
		e.dispatcher.Start(sourceID, instance, note, bpm, override)
	}
	_ = isSustainedMode // carried through for symmetry with Close; Open does not use it.
}

// Close ends a preset under instance. A no-op if instance is no longer
// the owner of sourceID (another instance opened it since — spec
// §4.4) or if isSustainedMode is set, meaning something else (a
// sequence's sustain_until_next item, spec §4.5) is responsible for
// eventually closing it.
func (e *Engine) Close(preset *model.Preset, instance dispatch.InstanceID, sourceID dispatch.SourceID, isSustainedMode bool) {
	if !e.owners.IsOwner(string(sourceID), instance) {
		return
	}
	if isSustainedMode {
		return
	}

	// Release every trigger instance's hold on each note, not just this
	// instance's own: overlap coalescing (spec §4.2) lets two distinct
	// instances latch the same voice under one source, and since only
	// the current owner's Close ever runs, it must drive each voice's
	// refcount to zero itself rather than leaving the other instance's
	// hold stuck forever.
	for _, note := range preset.Notes {
		e.dispatcher.StopAllInstances(sourceID, note.Pitch)
	}

	if preset.Glissando != nil && preset.Glissando.ReleaseOn {
		e.runGlissando(*preset.Glissando, sourceID, instance, 120, !ascending(preset.Glissando))
	}
}

// ascending reports whether the attack walk rises from LowestPitch to
// TargetPitch (spec §4.4 "Glissando pitch sequence").
func ascending(g *model.GlissandoConfig) bool {
	return g.TargetPitch >= g.LowestPitch
}

// runGlissando walks the chromatic/diatonic range between the preset's
// lowest and target pitch, filtered by mode, each step held for
// step_ms with velocity interpolated from v_lo to v_hi. The walk is
// scheduled rather than a blocking sleep (spec §5 only forbids blocking
// I/O), so to honor §4.4's "run the attack glissando synchronously
// before scheduling preset notes" the caller must itself delay the
// preset's notes by the returned total duration — runGlissando only
// schedules the walk's own steps. Returns the walk's total duration in
// milliseconds, 0 if the walk is empty.
func (e *Engine) runGlissando(g model.GlissandoConfig, sourceID dispatch.SourceID, instance dispatch.InstanceID, bpm float64, forward bool) uint32 {
	pitches := glissandoPitches(g, forward)
	if len(pitches) == 0 {
		return 0
	}

	for i, p := range pitches {
		v := lerp(g.VLo, g.VHi, float32(i)/float32(max1(len(pitches)-1)))
		note := model.NoteItem{
			Pitch:      p,
			Velocity:   v,
			Channel:    1,
			PreDelayMs: uint32(i) * g.StepMs,
			Duration:   &model.DurationValue{Value: float32(g.StepMs), Unit: model.UnitMs},
		}
		glissSource := dispatch.SourceID(string(sourceID) + ":gliss")
		e.dispatcher.Start(glissSource, instance, note, bpm, nil)
	}

	return uint32(len(pitches)) * g.StepMs
}

// glissandoPitches returns the ordered pitch sequence, low-to-high or
// high-to-low, filtered by g.Mode — spec §4.4 "iterate curr from start
// toward end by ±1, including curr only if it matches mode".
func glissandoPitches(g model.GlissandoConfig, forward bool) []uint8 {
	start, end := g.LowestPitch, g.TargetPitch
	if !forward {
		start, end = g.TargetPitch, g.LowestPitch
	}

	var out []uint8
	if start <= end {
		for p := int(start); p <= int(end); p++ {
			if g.Mode.Matches(uint8(p)) {
				out = append(out, uint8(p))
			}
		}
	} else {
		for p := int(start); p >= int(end); p-- {
			if g.Mode.Matches(uint8(p)) {
				out = append(out, uint8(p))
			}
		}
	}
	return out
}

func lerp(lo, hi float32, t float32) float32 {
	return lo + (hi-lo)*t
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
