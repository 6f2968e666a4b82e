// Package port defines the abstract MIDI sink the engine writes to.
// The physical driver is an external collaborator (spec §1, Out of
// scope); internal/midiport supplies a real implementation over
// gitlab.com/gomidi/midi/v2, and tests use a recording fake.
package port

// OutputPort is the engine's only way to produce sound. Channels are
// 1..16, pitches 0..127, velocities 0.0..1.0, and CC values/numbers
// 0..127 per spec §6.
type OutputPort interface {
	SendNoteOn(channel uint8, pitch uint8, velocity float32)
	SendNoteOff(channel uint8, pitch uint8)
	SendCC(channel uint8, cc uint8, value uint8)
}

// Null is a no-op OutputPort. The engine falls back to it when no real
// port is attached, so that "MIDI operations become no-ops" (spec §4.8)
// without special-casing callers.
type Null struct{}

func (Null) SendNoteOn(uint8, uint8, float32) {}
func (Null) SendNoteOff(uint8, uint8)         {}
func (Null) SendCC(uint8, uint8, uint8)       {}
