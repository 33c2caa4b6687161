package session

import "github.com/matheus3301/chatmirror/internal/config"

const DefaultSessionName = "main"

// Resolve picks the active session: the --session flag, then
// CHATMIRROR_DEFAULT_SESSION, then default_session from config.toml, then
// DefaultSessionName. An unreadable config file is treated as empty.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err != nil {
		cfg = &config.Config{}
	}
	if err := config.ApplyEnv(cfg); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
