package config

import "slices"

const redacted = "***"

// RedactedConfig returns a copy of cfg that is safe to log: credentials are
// masked and slices are cloned so the copy cannot alias the original.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Redis.Password)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	redact(&out.Execution.SigningKey)
	redact(&out.Execution.SigningKeyPassword)
	// Provider URLs often embed an API key in the path.
	redact(&out.Provider.URL)

	out.Universe.Venues = slices.Clone(cfg.Universe.Venues)
	out.Universe.Symbols = slices.Clone(cfg.Universe.Symbols)
	out.Validator.Order = slices.Clone(cfg.Validator.Order)
	out.Provider.Combinable = slices.Clone(cfg.Provider.Combinable)
	out.Rotation.StableAssets = slices.Clone(cfg.Rotation.StableAssets)
	out.Rotation.BaseAssets = slices.Clone(cfg.Rotation.BaseAssets)
	out.Feed.Venues = slices.Clone(cfg.Feed.Venues)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
