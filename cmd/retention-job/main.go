// cmd/retention-job/main.go
package main

import (
	"context"
	"flag"
	"time"

	"vaultbot/internal/linkstore"
	"vaultbot/internal/tokenstore"
	"vaultbot/pkg/config"
	"vaultbot/pkg/db"
	"vaultbot/pkg/logger"
	"vaultbot/pkg/secret"
)

// Purges identity links not refreshed within LINK_RETENTION_DAYS and
// credentials that expired without a refresh token. Meant to run from cron.
func main() {
	grace := flag.Duration("credential-grace", 24*time.Hour, "keep expired credentials this long before purging")
	dry := flag.Bool("dry-run", false, "log the cutoffs without deleting")
	flag.Parse()

	cfg := config.Load()
	log := logger.New(cfg.Env, "retention-job")
	defer func() { _ = log.Sync() }()

	pool := db.MustConnect(cfg, log)
	if pool == nil {
		log.Fatalw("DATABASE_URL is required")
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	db.MustEnsure(ctx, pool, log, linkstore.EnsureSchema, tokenstore.EnsureSchema)

	sealer, err := secret.New(cfg.SealingKey)
	if err != nil {
		log.Fatalw("sealing key", "err", err)
	}
	now := time.Now().UTC()
	linkCutoff := now.Add(-cfg.LinkRetention)
	credCutoff := now.Add(-*grace)
	if *dry {
		log.Infow("dry run", "link_cutoff", linkCutoff, "credential_cutoff", credCutoff)
		return
	}

	links, err := linkstore.NewPostgresStore(pool, sealer).PurgeOlderThan(ctx, linkCutoff)
	if err != nil {
		log.Fatalw("purge identity links", "err", err)
	}
	creds, err := tokenstore.NewPostgresStore(pool, sealer).PurgeExpired(ctx, credCutoff)
	if err != nil {
		log.Fatalw("purge credentials", "err", err)
	}
	log.Infow("retention complete", "identity_links", links, "credentials", creds, "link_cutoff", linkCutoff)
}
