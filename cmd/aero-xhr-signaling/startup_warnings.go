package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxPairs <= 0 {
		logger.Warn("startup security warning: MAX_PAIRS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_pairs_unlimited_in_prod",
			"max_pairs", cfg.MaxPairs,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxRequestsPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_REQUESTS_PER_SECOND is unset/0 (no per-client rate limit) while --mode=prod",
			"warning_code", "rate_limit_disabled_in_prod",
			"max_requests_per_second", cfg.MaxRequestsPerSecond,
			"mode", cfg.Mode,
		)
	}

	// Without expiry, abandoned pairings hold their mailboxes until the key is
	// reused or the process restarts.
	if cfg.Mode == config.ModeProd && cfg.PairIdleTimeout <= 0 {
		logger.Warn("startup warning: PAIR_IDLE_TIMEOUT is unset/0 (idle pairings never expire) while --mode=prod",
			"warning_code", "pair_idle_timeout_disabled_in_prod",
			"pair_idle_timeout", cfg.PairIdleTimeout,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxMailboxMessages <= 0 {
		logger.Warn("startup security warning: MAX_MAILBOX_MESSAGES is unset/0 (mailboxes are unbounded)",
			"warning_code", "mailbox_unbounded",
			"max_mailbox_messages", cfg.MaxMailboxMessages,
			"mode", cfg.Mode,
		)
	}
}
