package main

import (
	"fmt"
	"strconv"
	"strings"

	"stagehand/engine"
	"stagehand/internal/library"
)

// commandHandler turns typed console commands into engine calls,
// grounded on iltempo-interplay's commands.Handler line-dispatch
// style but driving the performance engine instead of a pattern
// sequencer.
type commandHandler struct {
	eng         *engine.Engine
	projectName string
	saveFile    string
}

func newCommandHandler(eng *engine.Engine, projectName, saveFile string) *commandHandler {
	return &commandHandler{eng: eng, projectName: projectName, saveFile: saveFile}
}

// process dispatches one line of input. Recognized commands:
//
//	key <value> [down|up]   simulate a keyboard trigger (default: down)
//	song <id>               switch current song
//	scene <id>              switch active scene
//	panic                   silence everything immediately
//	reset                   reset all sequence runtime state
//	notes                   print currently held voices
//	steps                   print sequence step positions
//	mute <channel> <on|off> mute/unmute a MIDI channel
//	save                    with -save: patch the current song's active
//	                        scene into that file; otherwise write the
//	                        whole project as a new save
//	help                    print this list
func (h *commandHandler) process(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "help":
		fmt.Println("key <value> [down|up], song <id>, scene <id>, panic, reset, notes, steps, mute <channel> <on|off>, save, help")
		return nil

	case "key":
		if len(args) == 0 {
			return fmt.Errorf("usage: key <value> [down|up]")
		}
		press := true
		if len(args) > 1 && strings.EqualFold(args[1], "up") {
			press = false
		}
		h.eng.Submit(engine.TriggerEvent{
			TimeMs: h.eng.Now(),
			Source: engine.TriggerKeyboard,
			Press:  press,
			Value:  args[0],
		})
		return nil

	case "song":
		if len(args) != 1 {
			return fmt.Errorf("usage: song <id>")
		}
		h.eng.SetCurrentSong(args[0])
		return nil

	case "scene":
		if len(args) != 1 {
			return fmt.Errorf("usage: scene <id>")
		}
		h.eng.SetActiveScene(args[0])
		return nil

	case "panic":
		h.eng.Panic()
		fmt.Println("panic: all voices cleared")
		return nil

	case "reset":
		h.eng.ResetSequences()
		fmt.Println("sequences reset")
		return nil

	case "notes":
		for _, n := range h.eng.ObserveActiveNotes() {
			fmt.Printf("  ch=%d pitch=%d start=%d\n", n.Channel, n.Pitch, n.StartMs)
		}
		return nil

	case "steps":
		for seqID, pos := range h.eng.ObserveStepPositions() {
			fmt.Printf("  %s: %d\n", seqID, pos)
		}
		return nil

	case "mute":
		if len(args) != 2 {
			return fmt.Errorf("usage: mute <channel> <on|off>")
		}
		channel, err := strconv.Atoi(args[0])
		if err != nil || channel < 1 || channel > 16 {
			return fmt.Errorf("invalid channel %q", args[0])
		}
		muted, err := parseOnOff(args[1])
		if err != nil {
			return err
		}
		h.eng.SetChannelMute(uint8(channel), muted)
		return nil

	case "save":
		return h.save()

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
}

func (h *commandHandler) save() error {
	proj := h.eng.Project()
	song := proj.CurrentSong()
	if song == nil {
		return fmt.Errorf("no current song to save")
	}
	if h.saveFile == "" {
		return library.Save(h.projectName, proj)
	}
	return library.PatchActiveScene(h.projectName, h.saveFile, song.ID, song.ActiveSceneID)
}
