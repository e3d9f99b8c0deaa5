package hooks

// Config is the top-level configuration for hooks loaded from
// .swarmwatch.hooks.yml.
type Config struct {
	Version int         `yaml:"version"`
	Hooks   HooksConfig `yaml:"hooks"`
}

// HooksConfig contains all hook configurations.
type HooksConfig struct {
	// OnTerminal runs after a run ends, whatever its outcome.
	OnTerminal []*HookConfig `yaml:"on_terminal"`
}

// HookConfig defines a single hook's configuration.
type HookConfig struct {
	Command string `yaml:"command"`
	Timeout int    `yaml:"timeout"` // seconds, default 30
	// Statuses limits the hook to runs that ended with one of these
	// statuses (completed, failed, stopped, error). Empty means all.
	Statuses []string `yaml:"statuses"`
}

// DefaultTimeout is the default timeout for hook execution in seconds.
const DefaultTimeout = 30
