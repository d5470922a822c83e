package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. The Changed fields
// cover settings that can be hot-applied; RestartRequired names the sections
// that changed but only take effect on restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SamplingChanged      bool
	VADChanged           bool
	VoiceCommandsChanged bool
	AssistantChanged     bool

	RestartRequired []string
}

// Changed names the hot-applied settings that differ.
func (d ConfigDiff) Changed() []string {
	var out []string
	for _, c := range []struct {
		name    string
		changed bool
	}{
		{"log_level", d.LogLevelChanged},
		{"sampling", d.SamplingChanged},
		{"vad", d.VADChanged},
		{"voice_commands", d.VoiceCommandsChanged},
		{"assistant", d.AssistantChanged},
	} {
		if c.changed {
			out = append(out, c.name)
		}
	}
	return out
}

// Empty reports whether nothing changed at all.
func (d ConfigDiff) Empty() bool {
	return len(d.Changed()) == 0 && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.SamplingChanged = !reflect.DeepEqual(old.Generation.Sampling(), new.Generation.Sampling())
	d.VADChanged = old.VAD != new.VAD
	d.VoiceCommandsChanged = !slices.Equal(old.VoiceCommands.EffectivePhrases(), new.VoiceCommands.EffectivePhrases())
	d.AssistantChanged = !reflect.DeepEqual(old.Assistant, new.Assistant)

	restart := func(section string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, section)
		}
	}
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	restart("server", !reflect.DeepEqual(oldServer, newServer))
	restart("audio", old.Audio != new.Audio)
	restart("cache", old.Cache != new.Cache)
	restart("models", !reflect.DeepEqual(old.Models, new.Models))
	restart("stt", old.STT != new.STT)
	restart("tools", !reflect.DeepEqual(old.Tools, new.Tools))
	restart("voice_commands", old.VoiceCommands.Similarity != new.VoiceCommands.Similarity)

	return d
}
