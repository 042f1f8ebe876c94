package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only the log level
// can be applied to a running process; everything else in the schema is wired
// at boot, so changes to those sections are reported for a restart prompt.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists top-level sections whose values changed but
	// cannot be applied without restarting the process.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.MetricsAddr != new.Server.MetricsAddr {
		d.RestartRequired = append(d.RestartRequired, "server.metrics_addr")
	}
	if old.User != new.User {
		d.RestartRequired = append(d.RestartRequired, "user")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Pipeline != new.Pipeline {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}
	if old.Scheduler != new.Scheduler {
		d.RestartRequired = append(d.RestartRequired, "scheduler")
	}
	if old.Agent != new.Agent {
		d.RestartRequired = append(d.RestartRequired, "agent")
	}

	return d
}

// providersEqual compares provider sections field by field; ProviderEntry
// carries an Options map, so the structs are not directly comparable.
func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.Structured, b.Structured) &&
		entryEqual(a.Reasoning, b.Reasoning) &&
		entryEqual(a.Agent, b.Agent) &&
		entryEqual(a.Embeddings, b.Embeddings)
}

func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if !entryEqual(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	// Options may hold nested maps from YAML, so compare deeply.
	return reflect.DeepEqual(a.Options, b.Options)
}
