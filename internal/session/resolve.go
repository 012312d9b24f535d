package session

import "github.com/pedrohba/converse/internal/config"

// DefaultSessionName is used when neither the --session flag nor
// config.toml names one.
const DefaultSessionName = "main"

// Resolve picks the active session: the --session flag wins, then
// default_session from config.toml, then DefaultSessionName.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
