package config

import (
	"cmp"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TextSpeedChanged bool
	NewTextSpeed     float64

	// CharactersChanged is set when any character was added, removed or
	// renamed. CharacterChanges lists them.
	CharactersChanged bool
	CharacterChanges  []CharacterDiff

	// RestartRequired lists changed settings that only take effect after a
	// restart, by YAML section.
	RestartRequired []string
}

// CharacterDiff describes what changed for a single character.
type CharacterDiff struct {
	ID      string
	Added   bool
	Removed bool
	Renamed bool
}

// Empty reports whether nothing hot-reloadable changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.TextSpeedChanged && !d.CharactersChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Director.TextSpeed != new.Director.TextSpeed {
		d.TextSpeedChanged = true
		d.NewTextSpeed = new.Director.TextSpeed
	}

	oldChars := make(map[string]string, len(old.Characters))
	for _, c := range old.Characters {
		oldChars[c.ID] = c.Name
	}
	newChars := make(map[string]string, len(new.Characters))
	for _, c := range new.Characters {
		newChars[c.ID] = c.Name
	}
	for id, name := range oldChars {
		newName, ok := newChars[id]
		switch {
		case !ok:
			d.CharacterChanges = append(d.CharacterChanges, CharacterDiff{ID: id, Removed: true})
		case newName != name:
			d.CharacterChanges = append(d.CharacterChanges, CharacterDiff{ID: id, Renamed: true})
		}
	}
	for id := range newChars {
		if _, ok := oldChars[id]; !ok {
			d.CharacterChanges = append(d.CharacterChanges, CharacterDiff{ID: id, Added: true})
		}
	}
	slices.SortFunc(d.CharacterChanges, func(a, b CharacterDiff) int {
		return cmp.Compare(a.ID, b.ID)
	})
	d.CharactersChanged = len(d.CharacterChanges) > 0

	if old.Server.DebugAddr != new.Server.DebugAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Backend != new.Backend {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if old.Director.AudioPollInterval != new.Director.AudioPollInterval || old.Director.StrictSpeaker != new.Director.StrictSpeaker {
		d.RestartRequired = append(d.RestartRequired, "director")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if old.Prefs != new.Prefs {
		d.RestartRequired = append(d.RestartRequired, "prefs")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	return d
}
