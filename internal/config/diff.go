package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// LogLevel and Vocabulary changes can be applied in place; the others take
// effect on the next pipeline start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VocabularyChanged is true when transcript.vocabulary differs.
	VocabularyChanged bool

	ProvidersChanged bool
	CaptureChanged   bool
	MixerChanged     bool
	ASRChanged       bool
}

// RestartRequired reports whether a running pipeline must be restarted to
// pick up the change.
func (d ConfigDiff) RestartRequired() bool {
	return d.ProvidersChanged || d.CaptureChanged || d.MixerChanged || d.ASRChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.VocabularyChanged = !slices.Equal(old.Transcript.Vocabulary, new.Transcript.Vocabulary)
	d.ProvidersChanged = !reflect.DeepEqual(old.Providers, new.Providers)
	d.CaptureChanged = !reflect.DeepEqual(old.Capture, new.Capture)
	d.MixerChanged = old.Mixer != new.Mixer
	d.ASRChanged = !reflect.DeepEqual(old.ASR, new.ASR)

	return d
}
