package mapping

import (
	"testing"

	"stagehand/engine/model"
)

func testSong() *model.Song {
	return &model.Song{
		Scenes: []model.Scene{
			{ID: "verse", MappingIDs: map[string]bool{"m1": true, "m5": true, "m6": true}},
		},
		ActiveSceneID: "verse",
		Mappings: []model.InputMapping{
			{ID: "m1", Scope: model.ScopeScene, Enabled: true, KeyboardValue: "a, b", Action: model.ActionPreset, TargetID: "p1"},
			{ID: "m2", Scope: model.ScopeScene, Enabled: true, KeyboardValue: "c", Action: model.ActionPreset, TargetID: "p2"}, // not in active scene
			{ID: "m3", Scope: model.ScopeGlobal, Enabled: true, KeyboardValue: "d", Action: model.ActionPreset, TargetID: "p3"},
			{ID: "m4", Scope: model.ScopeScene, Enabled: false, KeyboardValue: "a", Action: model.ActionPreset, TargetID: "p4"},
			{ID: "m5", Scope: model.ScopeScene, Enabled: true, MidiChannel: 1, MidiValue: "60,62", Action: model.ActionPreset, TargetID: "p5"},
			{ID: "m6", Scope: model.ScopeScene, Enabled: true, MidiChannel: 0, IsMidiRange: true, MidiRangeStart: 40, MidiRangeEnd: 50, Action: model.ActionPreset, TargetID: "p6"},
		},
	}
}

func chptr(v uint8) *uint8 { return &v }

func TestActiveFiltersByScopeAndScene(t *testing.T) {
	song := testSong()
	active := Active(song)
	ids := map[string]bool{}
	for _, m := range active {
		ids[m.ID] = true
	}
	if !ids["m1"] || !ids["m3"] {
		t.Fatalf("expected m1 (scene) and m3 (global) active, got %+v", ids)
	}
	if ids["m2"] {
		t.Fatalf("m2 belongs to a different scene and should not be active")
	}
	if ids["m4"] {
		t.Fatalf("m4 is disabled and should not be active")
	}
}

func TestMatchKeyboardCommaSeparatedCaseInsensitive(t *testing.T) {
	song := testSong()
	matches := Match(song, KindKeyboard, "B", nil)
	if len(matches) != 1 || matches[0].ID != "m1" {
		t.Fatalf("expected m1 to match 'B' against 'a, b', got %+v", matches)
	}
}

func TestMatchMIDIChannelAndRange(t *testing.T) {
	song := testSong()

	matches := Match(song, KindMIDI, "60", chptr(1))
	if len(matches) != 1 || matches[0].ID != "m5" {
		t.Fatalf("expected m5 to match channel 1 value 60, got %+v", matches)
	}

	matches = Match(song, KindMIDI, "60", chptr(2))
	if len(matches) != 0 {
		t.Fatalf("expected no match on wrong channel, got %+v", matches)
	}

	matches = Match(song, KindMIDI, "45", chptr(5)) // omni range mapping
	if len(matches) != 1 || matches[0].ID != "m6" {
		t.Fatalf("expected m6 omni range to match any channel, got %+v", matches)
	}
}

func TestMatchMIDIMalformedValueNeverMatches(t *testing.T) {
	song := testSong()
	matches := Match(song, KindMIDI, "not-a-number", chptr(1))
	if len(matches) != 0 {
		t.Fatalf("expected malformed numeric value to produce no matches, got %+v", matches)
	}
}

func TestMatchGlobalMappings(t *testing.T) {
	globals := []model.GlobalMapping{
		{ID: "g1", Enabled: true, KeyboardValue: "n", Action: model.GlobalNextSong},
		{ID: "g2", Enabled: false, KeyboardValue: "p", Action: model.GlobalPrevSong},
	}
	matches := MatchGlobal(globals, KindKeyboard, "n", nil)
	if len(matches) != 1 || matches[0].ID != "g1" {
		t.Fatalf("expected g1 to match, got %+v", matches)
	}
	matches = MatchGlobal(globals, KindKeyboard, "p", nil)
	if len(matches) != 0 {
		t.Fatalf("expected disabled g2 to never match, got %+v", matches)
	}
}
