package config

import "reflect"

// Diff describes what changed between two configs. Only the log level and the
// chat system prompt can be applied to a running pipeline; everything else
// needs a restart.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SystemPromptChanged bool
	NewSystemPrompt     string

	// RequiresRestart is true when any field outside the hot-reloadable set
	// differs.
	RequiresRestart bool
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return !d.LogLevelChanged && !d.SystemPromptChanged && !d.RequiresRestart
}

// Compare returns what changed between old and new.
func Compare(old, new *Config) Diff {
	var d Diff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Chat.SystemPrompt != new.Chat.SystemPrompt {
		d.SystemPromptChanged = true
		d.NewSystemPrompt = new.Chat.SystemPrompt
	}

	// Compare everything else with the hot fields normalised away.
	a, b := *old, *new
	a.Server.LogLevel, b.Server.LogLevel = "", ""
	a.Chat.SystemPrompt, b.Chat.SystemPrompt = "", ""
	d.RequiresRestart = !reflect.DeepEqual(a, b)

	return d
}
