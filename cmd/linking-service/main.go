// cmd/linking-service/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vaultbot/internal/auth0"
	"vaultbot/internal/identity"
	"vaultbot/internal/linking"
	"vaultbot/internal/linkstore"
	"vaultbot/pkg/config"
	"vaultbot/pkg/db"
	"vaultbot/pkg/logger"
	"vaultbot/pkg/middleware"
	"vaultbot/pkg/secret"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, "linking-service")
	ctx, cancelAll := context.WithCancel(context.Background())
	defer cancelAll()

	if cfg.AllowUnverifiedAssertions && cfg.Env == "prod" {
		log.Fatalw("ALLOW_UNVERIFIED_ASSERTIONS cannot be used in prod")
	}
	sealer, err := secret.New(cfg.SealingKey)
	if err != nil {
		log.Fatalw("sealing key", "err", err)
	}

	pool := db.MustConnect(cfg, log)
	db.MustEnsure(ctx, pool, log, linkstore.EnsureSchema)
	rdb := db.MustRedis(cfg, log)

	var links linkstore.Store
	if pool != nil {
		links = linkstore.NewPostgresStore(pool, sealer)
	} else {
		links = linkstore.NewMemoryStore()
	}

	hc := &http.Client{Timeout: 15 * time.Second}
	var dir identity.Directory
	if client := auth0.New(cfg, hc, log); client.Configured() {
		dir = client
	} else {
		log.Warnw("AUTH0_DOMAIN not set; using in-memory identity directory")
		dir = identity.NewMemory()
	}

	assertions, err := linking.NewJWTVerifier(ctx, linking.VerifierConfig{
		JWKSURL:         cfg.MerchantJWKSURL,
		Issuer:          cfg.MerchantIssuer,
		Audience:        cfg.MerchantAudience,
		Skew:            cfg.ClockSkew,
		AllowUnverified: cfg.AllowUnverifiedAssertions,
	}, log)
	if err != nil {
		log.Fatalw("assertion verifier", "err", err)
	}
	webhooks := linking.NewWebhooks(assertions, links, dir, log)

	var callback *linking.Callback
	if cfg.MerchantAuthorizeURL != "" && cfg.MerchantTokenURL != "" {
		idTokens, err := linking.NewJWTVerifier(ctx, linking.VerifierConfig{
			JWKSURL:         cfg.MerchantJWKSURL,
			Issuer:          cfg.MerchantIssuer,
			Audience:        cfg.MerchantClientID,
			Skew:            cfg.ClockSkew,
			AllowUnverified: cfg.AllowUnverifiedAssertions,
		}, log)
		if err != nil {
			log.Fatalw("id token verifier", "err", err)
		}
		var guard linking.StateGuard
		if rdb != nil {
			guard = linking.NewRedisGuard(rdb)
		} else {
			guard = linking.NewMemoryGuard()
		}
		callback = linking.NewCallback(linking.NewMerchantConfig(cfg), guard, idTokens, links, hc, log)
	} else {
		log.Warnw("merchant OAuth endpoints not set; identity-linking callback disabled")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.DebugWriteHeader(cfg.DebugDoubleWrite, log))
	r.Use(middleware.Tracing(cfg, "linking-service", log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	linking.RegisterHTTP(r, cfg, webhooks, callback)

	srv := &http.Server{Addr: cfg.LinkingAddr, Handler: r}
	go func() {
		log.Infow("linking-service listening", "addr", cfg.LinkingAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	fmt.Println("linking-service stopped")
}
