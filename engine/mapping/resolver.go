// Package mapping implements the MappingResolver: filtering a song's
// enabled InputMappings down to the ones active under the current
// scene, and matching incoming keyboard/MIDI events against them
// (spec §4.6).
package mapping

import (
	"strconv"
	"strings"

	"stagehand/engine/model"
	"stagehand/internal/telemetry"
)

// EventKind is the trigger source kind.
type EventKind string

const (
	KindKeyboard EventKind = "keyboard"
	KindMIDI     EventKind = "midi"
)

// Active returns the subset of song's mappings that are enabled and
// either Global in scope or belong to the active scene (spec §4.6).
func Active(song *model.Song) []*model.InputMapping {
	scene := song.ActiveScene()
	out := make([]*model.InputMapping, 0, len(song.Mappings))
	for i := range song.Mappings {
		m := &song.Mappings[i]
		if !m.Enabled {
			continue
		}
		if m.Scope == model.ScopeGlobal {
			out = append(out, m)
			continue
		}
		if scene != nil && scene.MappingIDs[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// Match returns every active mapping matching kind/value/channel, in
// definition order (spec §4.6 "Ties: ... all matching are dispatched
// in definition order").
func Match(song *model.Song, kind EventKind, value string, channel *uint8) []*model.InputMapping {
	var matches []*model.InputMapping
	for _, m := range Active(song) {
		if matchOne(m, kind, value, channel) {
			matches = append(matches, m)
		}
	}
	return matches
}

func matchOne(m *model.InputMapping, kind EventKind, value string, channel *uint8) bool {
	switch kind {
	case KindKeyboard:
		return matchKeyboard(m.KeyboardValue, value)
	case KindMIDI:
		return matchMIDIChannel(m.MidiChannel, channel) && matchMIDIValue(m, value)
	default:
		return false
	}
}

// matchKeyboard splits on commas, trims, lowercases, and compares —
// spec §4.6.
func matchKeyboard(list string, value string) bool {
	want := strings.ToLower(strings.TrimSpace(value))
	for _, v := range strings.Split(list, ",") {
		if strings.ToLower(strings.TrimSpace(v)) == want {
			return true
		}
	}
	return false
}

func matchMIDIChannel(mappingChannel uint8, eventChannel *uint8) bool {
	if mappingChannel == 0 {
		return true // omni
	}
	if eventChannel == nil {
		return false
	}
	return mappingChannel == *eventChannel
}

func matchMIDIValue(m *model.InputMapping, value string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		// Malformed numeric parse: skip, never throw (spec §4.8).
		telemetry.Benign("mapping", "non-numeric midi value %q on mapping %s", value, m.ID)
		return false
	}

	if m.IsMidiRange {
		return n >= int(m.MidiRangeStart) && n <= int(m.MidiRangeEnd)
	}

	for _, v := range strings.Split(m.MidiValue, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		want, err := strconv.Atoi(v)
		if err != nil {
			telemetry.Benign("mapping", "non-numeric midi_value entry %q on mapping %s", v, m.ID)
			continue
		}
		if want == n {
			return true
		}
	}
	return false
}

// MatchGlobal matches a project's GlobalMappings — these are not
// scene-scoped (spec §3 "GlobalMapping").
func MatchGlobal(mappings []model.GlobalMapping, kind EventKind, value string, channel *uint8) []*model.GlobalMapping {
	var matches []*model.GlobalMapping
	for i := range mappings {
		g := &mappings[i]
		if !g.Enabled {
			continue
		}
		var ok bool
		switch kind {
		case KindKeyboard:
			ok = matchKeyboard(g.KeyboardValue, value)
		case KindMIDI:
			ok = matchMIDIChannel(g.MidiChannel, channel) && matchGlobalMIDIValue(g, value)
		}
		if ok {
			matches = append(matches, g)
		}
	}
	return matches
}

func matchGlobalMIDIValue(g *model.GlobalMapping, value string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		telemetry.Benign("mapping", "non-numeric midi value %q on global mapping %s", value, g.ID)
		return false
	}
	for _, v := range strings.Split(g.MidiValue, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		want, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		if want == n {
			return true
		}
	}
	return false
}
