// cmd/chat-service/main.go
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
	"vaultbot/internal/chat"
	"vaultbot/internal/connect"
	"vaultbot/internal/llm"
	"vaultbot/internal/policy"
	"vaultbot/internal/tokenstore"
	"vaultbot/internal/tools"
	"vaultbot/internal/turn"
	"vaultbot/pkg/config"
	"vaultbot/pkg/connections"
	"vaultbot/pkg/db"
	"vaultbot/pkg/logger"
	"vaultbot/pkg/middleware"
	"vaultbot/pkg/secret"
)

const systemPrompt = `You are a shopping and productivity assistant. Use the tools you are given to answer.
When a tool needs access the user has not granted yet, the app will ask them; do not ask for credentials yourself.`

var demoProducts = []tools.Product{
	{SKU: "TSHIRT-BLK", Name: "Black T-shirt", Price: 19},
	{SKU: "HOODIE-GRY", Name: "Grey hoodie", Price: 49},
	{SKU: "MUG-WHT", Name: "White mug", Price: 12},
}

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, "chat-service")
	ctx := context.Background()

	reg, err := connections.Load(cfg.ConnectionsFile, cfg.EnabledConnections)
	if err != nil {
		log.Fatalw("connections", "err", err)
	}
	sealer, err := secret.New(cfg.SealingKey)
	if err != nil {
		log.Fatalw("sealing key", "err", err)
	}

	pool := db.MustConnect(cfg, log)
	db.MustEnsure(ctx, pool, log, tokenstore.EnsureSchema, turn.EnsureSchema)
	rdb := db.MustRedis(cfg, log)

	var (
		creds    tokenstore.Store
		turns    turn.Store
		messages turn.MessageStore
	)
	if pool != nil {
		creds = tokenstore.NewPostgresStore(pool, sealer)
		turns = turn.NewPostgresStore(pool)
		messages = turn.NewPostgresMessages(pool)
	} else {
		creds = tokenstore.NewMemoryStore()
		turns = turn.NewMemoryStore()
		messages = turn.NewMemoryMessages()
	}

	hc := &http.Client{Timeout: 15 * time.Second}
	vault := auth0.New(cfg, hc, log)
	var refresher tokenstore.Refresher = vault
	if !vault.Configured() {
		log.Warnw("AUTH0_DOMAIN not set; refreshing directly at provider token endpoints")
		refresher = tokenstore.OAuth2Refresher{ClientID: cfg.Auth0ClientID, ClientSecret: cfg.Auth0ClientSecret, HTTPClient: hc}
	}
	resolver := tokenstore.NewResolver(creds, reg, refresher,
		tokenstore.WithExchanger(tokenstore.NewXboxExchanger(hc)),
		tokenstore.WithMargin(cfg.TokenExpiryMargin),
		tokenstore.WithLogger(log),
	)

	engine, err := policy.Load(ctx, cfg.ToolPolicyFile)
	if err != nil {
		log.Fatalw("tool policy", "err", err)
	}
	catalog := tools.NewCatalog(reg, tools.NewProviderClient(hc), tools.DefaultEndpoints(), demoProducts)

	var model llm.Model = llm.Offline{}
	if cfg.OpenAIAPIKey != "" {
		model = llm.NewOpenAI(llm.OpenAIConfig{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel, BaseURL: cfg.OpenAIBaseURL})
	} else {
		log.Warnw("OPENAI_API_KEY not set; using offline model")
	}
	ctl := turn.NewController(model, catalog.Protect(resolver, engine, log), turns, messages, turn.Config{
		SystemPrompt:     systemPrompt,
		MaxResumes:       cfg.MaxResumes,
		TransportRetries: 2,
	}, log)

	var limiter chat.Limiter = chat.Unlimited{}
	switch {
	case !cfg.DailyLimitEnabled:
	case rdb != nil:
		limiter = chat.NewRedisLimiter(rdb, cfg.DailyMessageLimit)
	default:
		limiter = chat.NewMemoryLimiter(cfg.DailyMessageLimit)
	}

	var sessions connect.SessionStore
	if rdb != nil {
		sessions = connect.NewRedisSessions(rdb)
	} else {
		sessions = connect.NewMemorySessions()
	}
	connector := connect.NewService(vault, resolver, reg, sessions, connect.NewLoginConfig(cfg), connect.Config{
		SessionTTL:       cfg.ConnectSessionTTL,
		PopupRedirectURI: cfg.BasePublicURL + "/connect/callback",
		AppOrigin:        cfg.BasePublicURL,
		HTTPClient:       hc,
	}, log)
	defer connector.Close()

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.DebugWriteHeader(cfg.DebugDoubleWrite, log))
	r.Use(middleware.Tracing(cfg, "chat-service", log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/.well-known/tools.json", catalog.Document().ServeHandler("vaultbot-tools", "1.0.0"))
	connect.RegisterPublic(r, connector)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSession(cfg))
		chat.NewHandler(ctl, limiter, log).Register(r)
		connect.RegisterAPI(r, connector)
		policy.RegisterHTTP(r, engine, catalog.Lookup)
	})

	srv := &http.Server{Addr: cfg.ChatAddr, Handler: r}
	go func() {
		log.Infow("chat-service listening", "addr", cfg.ChatAddr, "connections", len(reg.All()))
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
	fmt.Println("chat-service stopped")
}
