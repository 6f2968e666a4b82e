// Package model holds the read-only, editor-authored data a performance
// is built from: presets, sequences, scenes, mappings, songs, and the
// project that contains them. Nothing in this package touches MIDI I/O
// or time — it is the tree engine.Engine reads on every trigger dispatch.
// During a performance the engine changes only the selections
// (Project.CurrentSongID, Song.ActiveSceneID), never the rest of the tree.
package model

// DurationUnit is the unit a DurationValue is expressed in.
type DurationUnit string

const (
	UnitMs   DurationUnit = "ms"
	UnitBeat DurationUnit = "beat"
)

// DurationValue is a note length before BPM resolution.
type DurationValue struct {
	Value float32      `json:"value"`
	Unit  DurationUnit  `json:"unit"`
}

// ResolveMs converts a DurationValue to milliseconds given the active
// BPM. A zero or negative bpm is treated as 120, per spec §4.1.
func (d DurationValue) ResolveMs(bpm float64) float64 {
	if d.Unit == UnitBeat {
		if bpm <= 0 {
			bpm = 120
		}
		return float64(d.Value) * 60000 / bpm
	}
	return float64(d.Value)
}

// NoteItem is one note in a preset.
type NoteItem struct {
	Pitch       uint8          `json:"pitch"`
	Velocity    float32        `json:"velocity"`
	Channel     uint8          `json:"channel"`
	PreDelayMs  uint32         `json:"preDelayMs"`
	Duration    *DurationValue `json:"duration,omitempty"` // nil = latched
}

// GlissandoMode filters which pitches a glissando walk visits.
type GlissandoMode string

const (
	GlissandoWhite GlissandoMode = "white"
	GlissandoBlack GlissandoMode = "black"
	GlissandoBoth  GlissandoMode = "both"
)

var blackPitchClasses = map[int]bool{1: true, 3: true, 6: true, 8: true, 10: true}

// Matches reports whether pitch passes this glissando's key filter.
func (m GlissandoMode) Matches(pitch uint8) bool {
	switch m {
	case GlissandoWhite:
		return !blackPitchClasses[int(pitch)%12]
	case GlissandoBlack:
		return blackPitchClasses[int(pitch)%12]
	default:
		return true
	}
}

// GlissandoConfig describes an automatic attack/release note walk.
type GlissandoConfig struct {
	AttackOn    bool          `json:"attackOn"`
	ReleaseOn   bool          `json:"releaseOn"`
	LowestPitch uint8         `json:"lowestPitch"`
	TargetPitch uint8         `json:"targetPitch"`
	StepMs      uint32        `json:"stepMs"`
	Mode        GlissandoMode `json:"mode"`
	VLo         float32       `json:"vLo"`
	VHi         float32       `json:"vHi"`
}

// Preset is a chord/voicing: an unordered set of notes plus an optional
// glissando. Preset-level release ends all its notes, subject to the
// ownership rules in engine/preset.
type Preset struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Notes     []NoteItem       `json:"notes"`
	Glissando *GlissandoConfig `json:"glissando,omitempty"`
}

// SequenceItemType discriminates what a SequenceItem plays.
type SequenceItemType string

const (
	ItemPresetRef   SequenceItemType = "presetRef"
	ItemInlineNote  SequenceItemType = "inlineNote"
	ItemSequenceRef SequenceItemType = "sequenceRef"
)

// SequenceItem is one step of a Sequence.
type SequenceItem struct {
	ID                string           `json:"id"`
	Type              SequenceItemType `json:"type"`
	TargetID          string           `json:"targetId,omitempty"`
	NoteData          *NoteItem        `json:"noteData,omitempty"`
	BeatPosition      float64          `json:"beatPosition"`
	OverrideDuration  *float32         `json:"overrideDuration,omitempty"`
	OverrideUnit      *DurationUnit    `json:"overrideUnit,omitempty"`
	SustainUntilNext  bool             `json:"sustainUntilNext"`
}

// SequenceMode selects the SequenceEngine state machine a Sequence runs.
type SequenceMode string

const (
	ModeStep  SequenceMode = "step"
	ModeAuto  SequenceMode = "auto"
	ModeGroup SequenceMode = "group"
)

// Sequence is an ordered set of items played by one of the three modes.
type Sequence struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Mode        SequenceMode   `json:"mode"`
	Items       []SequenceItem `json:"items"`
	BPMOverride *float64       `json:"bpmOverride,omitempty"`
	GridSnap    *float64       `json:"gridSnap,omitempty"`
}

// HasSubSequenceItems reports whether any item references another
// sequence — the discriminator between Group's outer/inner stepping
// and its Step fallback (spec §4.5, §9).
func (s *Sequence) HasSubSequenceItems() bool {
	for _, it := range s.Items {
		if it.Type == ItemSequenceRef {
			return true
		}
	}
	return false
}

// Scene is a named, active set of mapping ids.
type Scene struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	MappingIDs map[string]bool `json:"mappingIds"`
}

// MappingScope controls whether a mapping is active in every scene or
// only when its owning scene is active.
type MappingScope string

const (
	ScopeGlobal MappingScope = "global"
	ScopeScene  MappingScope = "scene"
)

// MappingAction is what an InputMapping triggers.
type MappingAction string

const (
	ActionPreset      MappingAction = "preset"
	ActionSequence    MappingAction = "sequence"
	ActionSwitchScene MappingAction = "switchScene"
)

// InputMapping binds a keyboard key and/or MIDI note/CC to an action.
type InputMapping struct {
	ID             string        `json:"id"`
	KeyboardValue  string        `json:"keyboardValue,omitempty"`  // comma-separated
	MidiValue      string        `json:"midiValue,omitempty"`      // comma-separated ints
	MidiChannel    uint8         `json:"midiChannel"`              // 0 = omni
	IsMidiRange    bool          `json:"isMidiRange"`
	MidiRangeStart uint8         `json:"midiRangeStart,omitempty"`
	MidiRangeEnd   uint8         `json:"midiRangeEnd,omitempty"`
	Action         MappingAction `json:"action"`
	TargetID       string        `json:"targetId,omitempty"`
	Enabled        bool          `json:"enabled"`
	Scope          MappingScope  `json:"scope"`
}

// GlobalAction is an action a GlobalMapping can trigger.
type GlobalAction string

const (
	GlobalPrevSong       GlobalAction = "prevSong"
	GlobalNextSong       GlobalAction = "nextSong"
	GlobalGotoSong       GlobalAction = "gotoSong"
	GlobalResetSequences GlobalAction = "resetSequences"
)

// GlobalMapping binds a key/MIDI event to a song-level or engine-level
// action, independent of the active scene.
type GlobalMapping struct {
	ID          string       `json:"id"`
	KeyboardValue string     `json:"keyboardValue,omitempty"`
	MidiValue   string       `json:"midiValue,omitempty"`
	MidiChannel uint8        `json:"midiChannel"`
	Action      GlobalAction `json:"action"`
	ActionValue *int         `json:"actionValue,omitempty"`
	Enabled     bool         `json:"enabled"`
}

// PresetFolder groups presets for editor display only; the engine does
// not interpret it.
type PresetFolder struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	PresetIDs []string `json:"presetIds,omitempty"`
}

// Song is one performance's worth of presets, sequences, scenes, and
// mappings, plus the currently active scene.
type Song struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	BPM            float64         `json:"bpm"`
	Presets        []Preset        `json:"presets"`
	PresetFolders  []PresetFolder  `json:"presetFolders,omitempty"`
	Sequences      []Sequence      `json:"sequences"`
	Mappings       []InputMapping  `json:"mappings"`
	Scenes         []Scene         `json:"scenes"`
	ActiveSceneID  string          `json:"activeSceneId"`
}

// Project is the persisted root: a named set of songs plus global
// mappings that apply regardless of which song is current.
type Project struct {
	Name            string          `json:"name"`
	Songs           []Song          `json:"songs"`
	SelectedInputID string          `json:"selectedInputId,omitempty"`
	SelectedOutputID string         `json:"selectedOutputId,omitempty"`
	GlobalMappings  []GlobalMapping `json:"globalMappings"`
	CurrentSongID   string          `json:"-"`
}

// FindSong returns the song with the given id, or nil.
func (p *Project) FindSong(id string) *Song {
	for i := range p.Songs {
		if p.Songs[i].ID == id {
			return &p.Songs[i]
		}
	}
	return nil
}

// CurrentSong returns the song selected by CurrentSongID, defaulting to
// the first song if CurrentSongID is unset or stale.
func (p *Project) CurrentSong() *Song {
	if s := p.FindSong(p.CurrentSongID); s != nil {
		return s
	}
	if len(p.Songs) > 0 {
		return &p.Songs[0]
	}
	return nil
}

// FindPreset returns the preset with the given id within the song, or
// nil if unknown — spec §4.8, "unknown target_id: action is a no-op".
func (s *Song) FindPreset(id string) *Preset {
	for i := range s.Presets {
		if s.Presets[i].ID == id {
			return &s.Presets[i]
		}
	}
	return nil
}

// FindSequence returns the sequence with the given id within the song,
// or nil.
func (s *Song) FindSequence(id string) *Sequence {
	for i := range s.Sequences {
		if s.Sequences[i].ID == id {
			return &s.Sequences[i]
		}
	}
	return nil
}

// FindScene returns the scene with the given id within the song, or
// nil.
func (s *Song) FindScene(id string) *Scene {
	for i := range s.Scenes {
		if s.Scenes[i].ID == id {
			return &s.Scenes[i]
		}
	}
	return nil
}

// ActiveScene returns the song's currently active scene, or nil if
// ActiveSceneID does not resolve.
func (s *Song) ActiveScene() *Scene {
	return s.FindScene(s.ActiveSceneID)
}
