// Package midiport implements engine/port.OutputPort over a real MIDI
// driver, plus the connection-management idiom the teacher uses for
// its controller (timeout-wrapped enumeration, explicit
// connect/disconnect, auto-connect from saved config) — generalized
// here from Launchpad control-surface connection to plain MIDI
// input/output port connection for the performance engine (spec §6
// "OutputPort contract").
package midiport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"stagehand/engine"

	gomidi "gitlab.com/gomidi/midi/v2"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // registers the system MIDI driver
)

// Port implements engine/port.OutputPort over a connected gomidi output.
type Port struct {
	name string
	send func(msg gomidi.Message) error
}

// OpenOutput opens the named output port.
func OpenOutput(name string) (*Port, error) {
	outs := gomidi.GetOutPorts()
	out := findPortByName(outs, name)
	if out == nil {
		return nil, fmt.Errorf("midi output port not found: %s", name)
	}
	send, err := gomidi.SendTo(out)
	if err != nil {
		return nil, fmt.Errorf("open midi output %s: %w", name, err)
	}
	return &Port{name: name, send: send}, nil
}

// SendNoteOn implements engine/port.OutputPort. Velocity is mapped from
// spec's 0.0..1.0 to MIDI's 0..127, clamped.
func (p *Port) SendNoteOn(channel, pitch uint8, velocity float32) {
	if p == nil || p.send == nil {
		return
	}
	p.send(gomidi.NoteOn(channel-1, pitch, velocityTo127(velocity)))
}

// SendNoteOff implements engine/port.OutputPort.
func (p *Port) SendNoteOff(channel, pitch uint8) {
	if p == nil || p.send == nil {
		return
	}
	p.send(gomidi.NoteOff(channel-1, pitch))
}

// SendCC implements engine/port.OutputPort.
func (p *Port) SendCC(channel, cc, value uint8) {
	if p == nil || p.send == nil {
		return
	}
	p.send(gomidi.ControlChange(channel-1, cc, value))
}

func velocityTo127(v float32) uint8 {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return uint8(v * 127)
}

func findPortByName[T interface{ String() string }](ports []T, name string) T {
	nameLower := strings.ToLower(name)
	for _, port := range ports {
		if strings.Contains(strings.ToLower(port.String()), nameLower) {
			return port
		}
	}
	var zero T
	return zero
}

// Manager handles MIDI port connection lifecycle: enumeration (with a
// timeout, since CoreMIDI/ALSA enumeration can hang when the system is
// busy), connect, disconnect, and input listening that feeds
// engine.TriggerEvents into an Engine.
type Manager struct {
	mu      sync.RWMutex
	out     *Port
	inStop  func()
	timeout time.Duration
}

// NewManager creates a port manager with a 5s enumeration timeout.
// Connecting is not bounded by it.
func NewManager() *Manager {
	return &Manager{timeout: 5 * time.Second}
}

// ListPorts returns the names of every available input and output
// port, bounded by the manager's timeout.
func (m *Manager) ListPorts() (ins, outs []string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	type result struct{ ins, outs []string }
	ch := make(chan result, 1)
	go func() {
		var r result
		for _, p := range gomidi.GetInPorts() {
			r.ins = append(r.ins, p.String())
		}
		for _, p := range gomidi.GetOutPorts() {
			r.outs = append(r.outs, p.String())
		}
		ch <- r
	}()

	select {
	case r := <-ch:
		return r.ins, r.outs, nil
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("midi port scan timeout")
	}
}

// ConnectOutput opens portName as the active output and attaches it to
// eng. An empty portName detaches the output (spec §4.8: engine keeps
// updating state with a no-op sink).
func (m *Manager) ConnectOutput(eng *engine.Engine, portName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if portName == "" {
		m.out = nil
		eng.SetOutput(nil)
		return nil
	}

	p, err := OpenOutput(portName)
	if err != nil {
		return err
	}
	m.out = p
	eng.SetOutput(p)
	return nil
}

// ConnectInput opens portName as a MIDI input and forwards every
// note-on/note-off it sees to eng.Submit as a TriggerEvent, following
// the teacher's gomidi.ListenTo idiom (midi/keyboard.go). The value
// fed to the mapping resolver is the pitch as a decimal string, so
// §4.6's numeric midi_value matching applies unchanged.
func (m *Manager) ConnectInput(eng *engine.Engine, portName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inStop != nil {
		m.inStop()
		m.inStop = nil
	}
	if portName == "" {
		return nil
	}

	ins := gomidi.GetInPorts()
	in := findPortByName(ins, portName)
	if in == nil {
		return fmt.Errorf("midi input port not found: %s", portName)
	}

	stop, err := gomidi.ListenTo(in, func(msg gomidi.Message, _ int32) {
		var channel, note, velocity uint8
		if msg.GetNoteOn(&channel, &note, &velocity) {
			ch := channel + 1
			ev := engine.TriggerEvent{
				TimeMs:  eng.Now(),
				Source:  engine.TriggerMIDI,
				Press:   velocity > 0, // velocity-0 note-on is a release, per MIDI convention
				Value:   fmt.Sprintf("%d", note),
				Channel: &ch,
			}
			eng.Submit(ev)
			return
		}
		if msg.GetNoteOff(&channel, &note, &velocity) {
			ch := channel + 1
			eng.Submit(engine.TriggerEvent{
				TimeMs:  eng.Now(),
				Source:  engine.TriggerMIDI,
				Press:   false,
				Value:   fmt.Sprintf("%d", note),
				Channel: &ch,
			})
		}
	})
	if err != nil {
		return fmt.Errorf("open midi input %s: %w", portName, err)
	}
	m.inStop = stop
	return nil
}

// Close disconnects input and output.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inStop != nil {
		m.inStop()
		m.inStop = nil
	}
	m.out = nil
}
