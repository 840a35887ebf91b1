package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)

	redact(&out.Database.DSN)
	redact(&out.Database.Password)

	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Server.AdminAPIKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Venues.RFQ != nil {
		out.Venues.RFQ = make([]RFQVenueConfig, len(cfg.Venues.RFQ))
		copy(out.Venues.RFQ, cfg.Venues.RFQ)
		for i := range out.Venues.RFQ {
			redact(&out.Venues.RFQ[i].APIKey)
			redact(&out.Venues.RFQ[i].APISecret)
		}
	}
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	}
	if cfg.Keeper.Baskets != nil {
		out.Keeper.Baskets = append([]string(nil), cfg.Keeper.Baskets...)
	}
	if cfg.Baskets != nil {
		out.Baskets = make([]BasketSeed, len(cfg.Baskets))
		for i, b := range cfg.Baskets {
			out.Baskets[i] = b
			out.Baskets[i].Positions = make(map[string]string, len(b.Positions))
			for k, v := range b.Positions {
				out.Baskets[i].Positions[k] = v
			}
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
