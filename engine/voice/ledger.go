// Package voice implements the VoiceLedger: the reference-counted
// (channel, pitch) table that turns arbitrary overlapping open/close
// calls from PresetEngine and SequenceEngine into a well-formed stream
// of MIDI note-on/off at the OutputPort (spec §4.2). It is the single
// point where overlap coalescing happens — everything upstream can
// acquire and release the same voice as many times as it wants.
package voice

import (
	"stagehand/engine/port"
	"stagehand/internal/telemetry"
)

// Key identifies one voice: a (channel, pitch) pair.
type Key struct {
	Channel uint8
	Pitch   uint8
}

// ActiveNote is a snapshot of one held voice, for observe_active_notes
// (spec §6).
type ActiveNote struct {
	Channel     uint8
	Pitch       uint8
	StartMs     int64
	DurationMs  *float64 // nil = latched
}

// Ledger is a plain counter map guarded by the engine's single
// executor — callers must only ever touch it from that executor
// goroutine (spec §5, "Runtime tables... mutated only by the engine
// thread").
type Ledger struct {
	refcount map[Key]uint32
	meta     map[Key]ActiveNote
	out      port.OutputPort

	// releaseWithoutAcquire counts releases seen when the refcount was
	// already zero, since the last ClearAll. Used to detect the
	// §7 fatal condition ("release without acquire more than N times
	// in a window").
	releaseWithoutAcquire uint32

	// muted tracks channels silenced by SetChannelMuted — mixing
	// control, not an audio feature, so it is exempt from the Non-goal
	// excluding audio synthesis. Refcounts and metadata are still
	// tracked for a muted channel; only the wire note-on/off is
	// suppressed, so unmuting mid-hold does not resend stale attacks.
	muted map[uint8]bool
}

// New creates a ledger writing to out. A nil out is replaced with
// port.Null so callers never need a nil check.
func New(out port.OutputPort) *Ledger {
	if out == nil {
		out = port.Null{}
	}
	return &Ledger{refcount: make(map[Key]uint32), meta: make(map[Key]ActiveNote), out: out, muted: make(map[uint8]bool)}
}

// SetChannelMuted mutes or unmutes a MIDI channel. Muting suppresses
// only outgoing note-on/off traffic on that channel; acquire/release
// bookkeeping continues so state stays consistent across a mute
// toggle.
func (l *Ledger) SetChannelMuted(channel uint8, muted bool) {
	l.muted[channel] = muted
}

// ChannelMuted reports whether channel is currently muted.
func (l *Ledger) ChannelMuted(channel uint8) bool {
	return l.muted[channel]
}

// SetOutput swaps the output sink, e.g. when the physical port is
// reattached after being absent (spec §4.8).
func (l *Ledger) SetOutput(out port.OutputPort) {
	if out == nil {
		out = port.Null{}
	}
	l.out = out
}

// Acquire opens a voice. If the voice is silent, it emits a plain
// note-on. If it is already held by another source, it emits a
// note-off immediately followed by a note-on — a retrigger — so every
// holder observes its own attack velocity while the underlying wire
// note-off/on lifecycle stays balanced (spec §4.2).
func (l *Ledger) Acquire(channel, pitch uint8, velocity float32) {
	l.AcquireAt(channel, pitch, velocity, 0, nil)
}

// AcquireAt is Acquire plus the bookkeeping observe_active_notes needs:
// the wall-clock start time and, for a timed (non-latched) note, its
// duration. The most recent acquire's metadata wins on retrigger.
func (l *Ledger) AcquireAt(channel, pitch uint8, velocity float32, startMs int64, durationMs *float64) {
	k := Key{Channel: channel, Pitch: pitch}
	n := l.refcount[k]
	if !l.muted[channel] {
		if n > 0 {
			l.out.SendNoteOff(channel, pitch)
		}
		l.out.SendNoteOn(channel, pitch, velocity)
	}
	l.refcount[k] = n + 1
	l.meta[k] = ActiveNote{Channel: channel, Pitch: pitch, StartMs: startMs, DurationMs: durationMs}
}

// Release closes one hold on a voice. Only when the last holder
// releases does a note-off reach the wire. Releasing a voice with no
// outstanding holds is a defensive no-op (spec §4.2).
func (l *Ledger) Release(channel, pitch uint8) {
	k := Key{Channel: channel, Pitch: pitch}
	n := l.refcount[k]
	if n == 0 {
		l.releaseWithoutAcquire++
		telemetry.Benign("voice", "release with no acquire: ch=%d pitch=%d (count=%d)", channel, pitch, l.releaseWithoutAcquire)
		return
	}
	n--
	if n == 0 {
		delete(l.refcount, k)
		delete(l.meta, k)
		if !l.muted[channel] {
			l.out.SendNoteOff(channel, pitch)
		}
		return
	}
	l.refcount[k] = n
}

// ActiveNotes returns a snapshot of every currently held voice, for
// Engine.ObserveActiveNotes.
func (l *Ledger) ActiveNotes() []ActiveNote {
	out := make([]ActiveNote, 0, len(l.meta))
	for _, n := range l.meta {
		out = append(out, n)
	}
	return out
}

// ActiveChannels returns the set of channels that currently hold at
// least one voice, in no particular order. ClearAll does not use it; it
// always broadcasts on all 16 channels.
func (l *Ledger) ActiveChannels() []uint8 {
	seen := make(map[uint8]bool)
	var out []uint8
	for k := range l.refcount {
		if !seen[k.Channel] {
			seen[k.Channel] = true
			out = append(out, k.Channel)
		}
	}
	return out
}

// ClearAll broadcasts CC 123 (all notes off) on every MIDI channel
// 1..16 and drops the table. Used only by Panic (spec §4.2, §4.7).
func (l *Ledger) ClearAll() {
	for ch := uint8(1); ch <= 16; ch++ {
		l.out.SendCC(ch, 123, 0)
	}
	l.refcount = make(map[Key]uint32)
	l.meta = make(map[Key]ActiveNote)
	l.releaseWithoutAcquire = 0
}

// ReleaseWithoutAcquireCount returns how many Release calls have hit
// an already-zero refcount since the last ClearAll — the signal
// Engine's §7 fatal-condition check watches.
func (l *Ledger) ReleaseWithoutAcquireCount() uint32 {
	return l.releaseWithoutAcquire
}

// ActiveCount returns the number of distinct (channel, pitch) voices
// currently held — used by tests asserting "no stuck voices" (spec §8,
// property 1).
func (l *Ledger) ActiveCount() int {
	return len(l.refcount)
}

// Snapshot returns a copy of the current refcount table, for tests and
// diagnostics; it must never be mutated by the engine's executor.
func (l *Ledger) Snapshot() map[Key]uint32 {
	out := make(map[Key]uint32, len(l.refcount))
	for k, v := range l.refcount {
		out[k] = v
	}
	return out
}
