package config

const (
	defaultConfigPath        = "~/.config/zimage-bridge/config.toml"
	defaultStateDir          = "~/.local/share/zimage-bridge"
	defaultAPIBind           = "127.0.0.1:8420"
	defaultDebounceMillis    = 100
	defaultMaxDeferralMillis = 2000
	defaultKillGraceSeconds  = 5
	defaultLogFormat         = "auto"
	defaultLogLevel          = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			APIBind:  defaultAPIBind,
		},
		Watcher: Watcher{
			DebounceMillis:    defaultDebounceMillis,
			MaxDeferralMillis: defaultMaxDeferralMillis,
		},
		Process: Process{
			KillGraceSeconds: defaultKillGraceSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
