package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/duoscribe/pkg/audio"
	"github.com/MrWong99/duoscribe/pkg/audio/sink"
)

// MaxDevices is the number of input devices a pipeline can mix.
const MaxDevices = 2

// EnvDeepgramAPIKey is consulted when providers.stt.api_key is empty.
const EnvDeepgramAPIKey = "DEEPGRAM_API_KEY"

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":     {"deepgram"},
	"capture": {"portaudio"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills values from the
// environment and validates the result. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills secrets that were left empty in the file from the process
// environment.
func ApplyEnv(cfg *Config) {
	if cfg.Providers.STT.APIKey == "" && (cfg.Providers.STT.Name == "" || cfg.Providers.STT.Name == "deepgram") {
		cfg.Providers.STT.APIKey = os.Getenv(EnvDeepgramAPIKey)
	}
}

// ApplyDefaults sets the default value of every unset field that has one.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.STT.Name == "" {
		cfg.Providers.STT.Name = "deepgram"
	}
	if cfg.Providers.Capture.Name == "" {
		cfg.Providers.Capture.Name = "portaudio"
	}
	if cfg.Capture.Language == "" {
		cfg.Capture.Language = "en-US"
	}
	if cfg.Mixer.Mode == "" {
		cfg.Mixer.Mode = MixAuto
	}
	if cfg.Mixer.LengthPolicy == "" {
		cfg.Mixer.LengthPolicy = LengthPad
	}
	if cfg.Mixer.PersistFormat == "" {
		cfg.Mixer.PersistFormat = string(sink.FormatRaw)
	}
	if cfg.Transcript.ResultsCapacity == 0 {
		cfg.Transcript.ResultsCapacity = 10
	}
	if cfg.Transcript.History == 0 {
		cfg.Transcript.History = 100
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("capture", cfg.Providers.Capture.Name)
	if cfg.Providers.STT.Name == "deepgram" && cfg.Providers.STT.APIKey == "" {
		slog.Warn("providers.stt.api_key is empty and " + EnvDeepgramAPIKey + " is not set; starting the pipeline will fail")
	}

	errs = append(errs, validateDevices(cfg.Capture.Devices)...)
	if cfg.Capture.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("capture.queue_size %d must not be negative", cfg.Capture.QueueSize))
	}

	// Mixer
	if !cfg.Mixer.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("mixer.mode %q is invalid; valid values: auto, mono, multichannel", cfg.Mixer.Mode))
	}
	if !cfg.Mixer.LengthPolicy.IsValid() {
		errs = append(errs, fmt.Errorf("mixer.length_policy %q is invalid; valid values: pad, truncate", cfg.Mixer.LengthPolicy))
	}
	if _, err := cfg.Mixer.Format(); err != nil {
		errs = append(errs, fmt.Errorf("mixer.persist_format: %w", err))
	}

	// ASR
	if cfg.ASR.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("asr.send_queue %d must not be negative", cfg.ASR.SendQueue))
	}
	if cfg.ASR.CloseTimeout < 0 {
		errs = append(errs, fmt.Errorf("asr.close_timeout %s must not be negative", cfg.ASR.CloseTimeout))
	}
	for i, k := range cfg.ASR.Keywords {
		if k.Keyword == "" {
			errs = append(errs, fmt.Errorf("asr.keywords[%d].keyword is required", i))
		}
	}
	rc := cfg.ASR.Reconnect
	if rc.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("asr.reconnect.max_retries %d must not be negative", rc.MaxRetries))
	}
	if rc.Backoff < 0 || rc.MaxBackoff < 0 {
		errs = append(errs, errors.New("asr.reconnect: backoff durations must not be negative"))
	}
	if rc.Backoff > 0 && rc.MaxBackoff > 0 && rc.MaxBackoff < rc.Backoff {
		errs = append(errs, fmt.Errorf("asr.reconnect.max_backoff %s is less than backoff %s", rc.MaxBackoff, rc.Backoff))
	}
	if cfg.ASR.CircuitBreaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("asr.circuit_breaker.max_failures %d must not be negative", cfg.ASR.CircuitBreaker.MaxFailures))
	}
	if cfg.ASR.CircuitBreaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("asr.circuit_breaker.reset_timeout %s must not be negative", cfg.ASR.CircuitBreaker.ResetTimeout))
	}

	// Transcript
	if cfg.Transcript.ResultsCapacity < 0 {
		errs = append(errs, fmt.Errorf("transcript.results_capacity %d must not be negative", cfg.Transcript.ResultsCapacity))
	}
	if cfg.Transcript.History < 0 {
		errs = append(errs, fmt.Errorf("transcript.history %d must not be negative", cfg.Transcript.History))
	}

	return errors.Join(errs...)
}

// ValidateDevices checks a device list on its own. It is used for device
// sets supplied at start time rather than in the file.
func ValidateDevices(devices []DeviceConfig) error {
	return errors.Join(validateDevices(devices)...)
}

func validateDevices(devices []DeviceConfig) []error {
	var errs []error
	if len(devices) > MaxDevices {
		errs = append(errs, fmt.Errorf("capture.devices: %d devices configured, at most %d are supported", len(devices), MaxDevices))
	}
	seen := make(map[int]int, len(devices))
	for i, d := range devices {
		prefix := fmt.Sprintf("capture.devices[%d]", i)
		if d.ID < 0 {
			errs = append(errs, fmt.Errorf("%s.id %d must not be negative", prefix, d.ID))
		}
		if prev, ok := seen[d.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %d is a duplicate of capture.devices[%d]", prefix, d.ID, prev))
		}
		seen[d.ID] = i
		if d.NativeRate <= 0 {
			errs = append(errs, fmt.Errorf("%s.native_rate %d must be positive", prefix, d.NativeRate))
		}
		if _, err := audio.ParseRole(d.Role); err != nil {
			errs = append(errs, fmt.Errorf("%s.role: %w", prefix, err))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
