// Command perform is the CLI entrypoint for the live-performance
// engine: it loads a project, connects MIDI input/output, and submits
// every incoming trigger to the engine until interrupted. Its
// port-selection and interactive/batch-mode split are grounded on
// iltempo-interplay's main.go, generalized from a single always-on
// pattern sequencer to the engine's project/song/scene model.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"

	"stagehand/engine"
	"stagehand/internal/config"
	"stagehand/internal/library"
	"stagehand/internal/midiport"
	"stagehand/internal/telemetry"
)

func isTerminal() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
}

func main() {
	projectName := flag.String("project", "", "project to load")
	saveFile := flag.String("save", "", "specific save file (default: most recent)")
	outputPort := flag.String("output", "", "MIDI output port name (default: from config / auto)")
	inputPort := flag.String("input", "", "MIDI input port name (default: from config / auto)")
	listPorts := flag.Bool("list-ports", false, "list available MIDI ports and exit")
	songID := flag.String("song", "", "song id to select on startup (default: project's first song)")
	scriptFile := flag.String("script", "", "execute commands from file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if configDir, err := config.Dir(); err == nil {
		if err := telemetry.Enable(configDir); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: logging disabled: %v\n", err)
		}
	}
	defer telemetry.Disable()

	ports := midiport.NewManager()
	ins, outs, err := ports.ListPorts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing MIDI ports: %v\n", err)
		os.Exit(1)
	}

	if *listPorts {
		fmt.Println("Inputs:")
		for i, p := range ins {
			fmt.Printf("  %d: %s\n", i, p)
		}
		fmt.Println("Outputs:")
		for i, p := range outs {
			fmt.Printf("  %d: %s\n", i, p)
		}
		return
	}

	if *projectName == "" {
		*projectName = cfg.LastProjectPath
	}
	if *projectName == "" {
		fmt.Fprintln(os.Stderr, "Error: no -project given and no last project in config")
		os.Exit(1)
	}

	project, err := library.Load(*projectName, *saveFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading project: %v\n", err)
		os.Exit(1)
	}

	eng := engine.New(project, nil, cfg.Debounce())
	if *songID != "" {
		eng.SetCurrentSong(*songID)
	}

	outName := resolvePort(*outputPort, cfg.OutputPortName, outs, "output")
	if outName != "" {
		if err := ports.ConnectOutput(eng, outName); err != nil {
			// Benign per spec §4.8: engine keeps running with a no-op sink.
			fmt.Fprintf(os.Stderr, "Warning: output port %q unavailable, continuing silently: %v\n", outName, err)
		} else {
			cfg.OutputPortName = outName
		}
	}

	inName := resolvePort(*inputPort, cfg.InputPortName, ins, "input")
	if inName != "" {
		if err := ports.ConnectInput(eng, inName); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: input port %q unavailable: %v\n", inName, err)
		} else {
			cfg.InputPortName = inName
		}
	}

	cfg.RememberProject(*projectName)
	_ = cfg.Save()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		ports.Close()
		eng.Close()
		os.Exit(0)
	}()
	defer ports.Close()
	defer eng.Close()

	fmt.Printf("Project %q loaded. Type 'help' for commands, 'quit' to exit.\n\n", *projectName)
	handler := newCommandHandler(eng, *projectName, *saveFile)

	if *scriptFile != "" {
		f, err := os.Open(*scriptFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening script file: %v\n", err)
			os.Exit(2)
		}
		defer f.Close()
		success, shouldExit := processBatchInput(f, handler)
		if shouldExit {
			if success {
				os.Exit(0)
			}
			os.Exit(1)
		}
		fmt.Println("\nScript completed. Engine continues running. Press Ctrl+C to exit.")
		select {}
	}

	if isTerminal() {
		readLoop(handler)
	} else {
		success, shouldExit := processBatchInput(os.Stdin, handler)
		if shouldExit {
			if success {
				os.Exit(0)
			}
			os.Exit(1)
		}
		fmt.Println("\nBatch commands completed. Engine continues running. Press Ctrl+C to exit.")
		select {}
	}

	fmt.Println("Goodbye!")
}


// resolvePort picks explicit over saved-config over a lone available
// port, leaving the caller's sink disconnected (nil) otherwise.
func resolvePort(explicit, fromConfig string, available []string, kind string) string {
	if explicit != "" {
		return explicit
	}
	if fromConfig != "" {
		for _, p := range available {
			if p == fromConfig {
				return fromConfig
			}
		}
		fmt.Fprintf(os.Stderr, "Warning: configured %s port %q not found\n", kind, fromConfig)
	}
	if len(available) == 1 {
		return available[0]
	}
	return ""
}

func processBatchInput(reader io.Reader, handler *commandHandler) (success bool, shouldExit bool) {
	scanner := bufio.NewScanner(reader)
	hadErrors := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			if line != "" {
				fmt.Println(line)
			}
			continue
		}
		if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
			shouldExit = true
			continue
		}
		fmt.Println(">", line)
		if err := handler.process(line); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			hadErrors = true
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return false, shouldExit
	}
	return !hadErrors, shouldExit
}

func readLoop(handler *commandHandler) {
	rl, err := readline.New("perform> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
			return
		}
		if err := handler.process(line); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}
