// Package library implements the project persistence layer: saving and
// loading model.Project as JSON, timestamped under a per-project
// directory, following the teacher's project/save folder layout
// (sequencer/project.go) adapted from its own ad hoc Track/State shape
// to the performance engine's Project/Song/Scene model (spec §6).
package library

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"stagehand/engine/model"
)

// SaveInfo describes one saved project file, for listing.
type SaveInfo struct {
	Filename  string
	Name      string
	Timestamp time.Time
}

// ProjectsDir returns the root directory all projects are saved under.
func ProjectsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "stagehand", "projects"), nil
}

// ProjectDir returns the directory holding one project's saves.
func ProjectDir(projectName string) (string, error) {
	base, err := ProjectsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, projectName), nil
}

// ListProjects returns every project folder name, sorted.
func ListProjects() ([]string, error) {
	dir, err := ProjectsDir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	var projects []string
	for _, e := range entries {
		if e.IsDir() {
			projects = append(projects, e.Name())
		}
	}
	sort.Strings(projects)
	return projects, nil
}

// ListSaves returns timestamped saves for a project, newest first.
func ListSaves(projectName string) ([]SaveInfo, error) {
	dir, err := ProjectDir(projectName)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []SaveInfo{}, nil
		}
		return nil, err
	}

	var saves []SaveInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		baseName := strings.TrimSuffix(name, ".json")
		if len(baseName) < 19 {
			continue
		}
		ts, err := time.Parse("2006-01-02_15-04-05", baseName[:19])
		if err != nil {
			continue
		}
		saveName := ""
		if len(baseName) > 20 && baseName[19] == '_' {
			saveName = baseName[20:]
		}
		saves = append(saves, SaveInfo{Filename: name, Name: saveName, Timestamp: ts})
	}

	sort.Slice(saves, func(i, j int) bool { return saves[i].Timestamp.After(saves[j].Timestamp) })
	return saves, nil
}

// Save writes project to a new timestamped file under its own project
// directory.
func Save(projectName string, project *model.Project) error {
	if projectName == "" {
		projectName = "untitled"
	}
	dir, err := ProjectDir(projectName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(project, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, time.Now().Format("2006-01-02_15-04-05")+".json")
	return os.WriteFile(path, data, 0644)
}

// Load reads a specific save (or the most recent, if filename is
// empty) into a fresh model.Project.
//
// Before the full unmarshal, gjson peeks at top-level shape so a
// corrupt or pre-migration file produces a Recoverable error naming
// what's missing rather than a raw json.Unmarshal type mismatch (spec
// §7, "Recoverable: project file fails to load").
func Load(projectName, filename string) (*model.Project, error) {
	dir, err := ProjectDir(projectName)
	if err != nil {
		return nil, err
	}
	if filename == "" {
		saves, err := ListSaves(projectName)
		if err != nil || len(saves) == 0 {
			return nil, fmt.Errorf("no saves found in project %s", projectName)
		}
		filename = saves[0].Filename
	}

	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("project file %s/%s is not valid JSON", projectName, filename)
	}
	if !gjson.GetBytes(data, "songs").IsArray() {
		return nil, fmt.Errorf("project file %s/%s has no songs array", projectName, filename)
	}

	var project model.Project
	if err := json.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("parse project %s/%s: %w", projectName, filename, err)
	}
	return &project, nil
}

// PatchActiveScene rewrites a single song's activeSceneId field in
// place in a save file without touching the rest of the document,
// using sjson for a targeted field write — used by the CLI to persist
// a scene switch made during a performance run without a full
// marshal/unmarshal round trip through the whole project tree.
func PatchActiveScene(projectName, filename, songID, sceneID string) error {
	dir, err := ProjectDir(projectName)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, filename)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	songs := gjson.GetBytes(data, "songs")
	idx := -1
	songs.ForEach(func(key, value gjson.Result) bool {
		if value.Get("id").String() == songID {
			idx = int(key.Int())
			return false
		}
		return true
	})
	if idx < 0 {
		return fmt.Errorf("song %s not found in %s/%s", songID, projectName, filename)
	}

	patched, err := sjson.SetBytes(data, fmt.Sprintf("songs.%d.activeSceneId", idx), sceneID)
	if err != nil {
		return err
	}
	return os.WriteFile(path, patched, 0644)
}

// CreateProject creates a new empty project folder.
func CreateProject(name string) error {
	dir, err := ProjectDir(name)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// DeleteSave removes a specific save file.
func DeleteSave(projectName, filename string) error {
	dir, err := ProjectDir(projectName)
	if err != nil {
		return err
	}
	return os.Remove(filepath.Join(dir, filename))
}

// RenameSave renames a save file's name segment, keeping its timestamp.
func RenameSave(projectName, oldFilename, newName string) error {
	dir, err := ProjectDir(projectName)
	if err != nil {
		return err
	}
	baseName := strings.TrimSuffix(oldFilename, ".json")
	if len(baseName) < 19 {
		return fmt.Errorf("invalid save filename")
	}
	tsStr := baseName[:19]

	var newFilename string
	if newName == "" {
		newFilename = tsStr + ".json"
	} else {
		newFilename = tsStr + "_" + sanitizeFilename(newName) + ".json"
	}
	return os.Rename(filepath.Join(dir, oldFilename), filepath.Join(dir, newFilename))
}

func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		" ", "-", "/", "-", "\\", "-", ":", "-",
		"*", "", "?", "", "\"", "", "<", "", ">", "", "|", "",
	)
	return replacer.Replace(name)
}

// DeleteProject removes an entire project folder.
func DeleteProject(name string) error {
	dir, err := ProjectDir(name)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// RenameProject renames a project folder.
func RenameProject(oldName, newName string) error {
	oldDir, err := ProjectDir(oldName)
	if err != nil {
		return err
	}
	newDir, err := ProjectDir(newName)
	if err != nil {
		return err
	}
	return os.Rename(oldDir, newDir)
}
