// Command arbiter runs the policy-enforcing LLM gateway.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/arbiterlabs/arbiter/pkg/abuse"
	"github.com/arbiterlabs/arbiter/pkg/audit"
	"github.com/arbiterlabs/arbiter/pkg/auth"
	"github.com/arbiterlabs/arbiter/pkg/budget"
	"github.com/arbiterlabs/arbiter/pkg/config"
	"github.com/arbiterlabs/arbiter/pkg/features"
	"github.com/arbiterlabs/arbiter/pkg/gateway"
	"github.com/arbiterlabs/arbiter/pkg/kms"
	"github.com/arbiterlabs/arbiter/pkg/kv"
	"github.com/arbiterlabs/arbiter/pkg/metering"
	"github.com/arbiterlabs/arbiter/pkg/observability"
	"github.com/arbiterlabs/arbiter/pkg/policy"
	"github.com/arbiterlabs/arbiter/pkg/provider"
	"github.com/arbiterlabs/arbiter/pkg/registry"
	"github.com/arbiterlabs/arbiter/pkg/router"
	"github.com/arbiterlabs/arbiter/pkg/security"
	"github.com/arbiterlabs/arbiter/pkg/store"
	"github.com/arbiterlabs/arbiter/pkg/trace"
	"github.com/arbiterlabs/arbiter/pkg/validate"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	_ = godotenv.Load()

	cmd := "server"
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "server", "serve":
		return runServer(stderr)
	case "init":
		return runInit(stdout, stderr)
	case "issue-key":
		return runIssueKey(args[1:], stdout, stderr)
	case "rotate-key":
		return runRotateKey(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "arbiter - policy-enforcing LLM gateway")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  arbiter server       Run the gateway (default)")
	fmt.Fprintln(w, "  arbiter init         Create the record-store schema")
	fmt.Fprintln(w, "  arbiter issue-key    Issue a gateway key for an application")
	fmt.Fprintln(w, "  arbiter rotate-key   Rotate the envelope-encryption data key")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// masterKey decodes MASTER_KEY, accepting base64 or raw 32 bytes.
func masterKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, errors.New("MASTER_KEY is required")
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	return nil, fmt.Errorf("MASTER_KEY must be 32 bytes raw or base64, got %d bytes", len(raw))
}

// stores bundles every record-store backed component for schema setup.
type stores struct {
	db       *store.DB
	keys     *auth.SQLKeyStore
	catalog  *registry.StoreLoader
	features *features.SQLStore
	policy   *policy.SQLStore
	budgets  *budget.SQLStore
	traces   *trace.SQLStore
	auditor  *audit.SQLLogger
	usage    *metering.SQLStore
}

func openStores(cfg *config.Config, log *slog.Logger) (*stores, error) {
	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &stores{
		db:       db,
		keys:     auth.NewSQLKeyStore(db),
		catalog:  registry.NewStoreLoader(db),
		features: features.NewSQLStore(db),
		policy:   policy.NewSQLStore(db),
		budgets:  budget.NewSQLStore(db),
		traces:   trace.NewSQLStore(db),
		auditor:  audit.NewSQLLogger(db, log),
		usage:    metering.NewSQLStore(db),
	}, nil
}

func (s *stores) initAll(ctx context.Context) error {
	inits := []func(context.Context) error{
		s.keys.Init, s.catalog.Init, s.features.Init, s.policy.Init,
		s.budgets.Init, s.traces.Init, s.auditor.Init, s.usage.Init,
	}
	for _, init := range inits {
		if err := init(ctx); err != nil {
			return err
		}
	}
	return nil
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "arbiter",
		ServiceVersion: "1.0.0",
		Environment:    string(config.EnvDevelopment),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Insecure:       true,
	}, log)
	if err != nil {
		fmt.Fprintf(stderr, "observability: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	master, err := masterKey(cfg.MasterKey)
	if err != nil {
		fmt.Fprintf(stderr, "kms: %v\n", err)
		return 1
	}
	keyring, err := kms.NewKeyring(cfg.KeyringPath, master)
	if err != nil {
		fmt.Fprintf(stderr, "kms: %v\n", err)
		return 1
	}

	st, err := openStores(cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "store: %v\n", err)
		return 1
	}
	defer func() { _ = st.db.Close() }()
	if err := st.db.Ping(ctx); err != nil {
		fmt.Fprintf(stderr, "store: ping: %v\n", err)
		return 1
	}
	if err := st.initAll(ctx); err != nil {
		fmt.Fprintf(stderr, "store: init: %v\n", err)
		return 1
	}

	kvs := kv.NewRedisStore(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), cfg.RedisDB)
	defer func() { _ = kvs.Close() }()

	resolver := auth.NewResolver(st.keys, keyring, master, cfg.CredentialCacheTTL)
	featureGate := features.New(st.features, cfg.PolicyCacheTTL)
	engine, err := policy.NewEngine(st.policy, cfg.PolicyCacheTTL)
	if err != nil {
		fmt.Fprintf(stderr, "policy: %v\n", err)
		return 1
	}
	ledger := budget.NewLedger(kvs, st.budgets, cfg.PolicyCacheTTL)
	catalog := registry.New(st.catalog, cfg.PolicyCacheTTL)
	if err := catalog.Refresh(ctx); err != nil {
		log.Warn("initial catalog refresh failed", "error", err)
	}

	plugins := []security.Plugin{
		security.NewSecretsDetector(),
		security.NewPIIDetector(),
		security.NewCodeInjectionDetector(),
		security.NewPromptInjectionDetector(),
	}
	if base := os.Getenv("GUARD_MODEL_URL"); base != "" {
		plugins = append(plugins,
			security.NewGuardModerator(base, os.Getenv("GUARD_MODEL_ID"), cfg.SecurityTimeout))
	}
	if base := os.Getenv("MODERATION_URL"); base != "" {
		plugins = append(plugins,
			security.NewRemoteModerator(base, os.Getenv("MODERATION_API_KEY"), cfg.SecurityTimeout))
	}
	host := security.NewHost(log, cfg.SecurityTimeout, plugins...)

	adapters := []provider.Adapter{
		provider.NewOpenAIAdapter(cfg.ProviderTimeout),
		provider.NewAnthropicAdapter(cfg.ProviderTimeout),
		provider.NewVertexAdapter("", cfg.ProviderTimeout),
		provider.NewMockAdapter(),
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		bedrock, berr := provider.NewBedrockAdapter(ctx, region, cfg.ProviderTimeout)
		if berr != nil {
			log.Warn("bedrock adapter unavailable", "error", berr)
		} else {
			adapters = append(adapters, bedrock)
		}
	}
	dispatcher := provider.NewDispatcher(cfg.TestMode, adapters...)

	routes := router.New(
		router.Strategy(os.Getenv("ROUTER_STRATEGY")),
		router.DefaultRetry(), router.DefaultBreaker(), log)
	for _, a := range adapters {
		routes.AddEndpoint(router.Endpoint{
			ID:       a.Name() + "-default",
			Provider: a.Name(),
			Enabled:  true,
		})
	}

	meter := metering.NewMeter(st.usage)
	auditor := audit.NewMultiLogger(audit.NewLogger(log), st.auditor)

	pipe := gateway.NewPipeline(gateway.Deps{
		Config:    cfg,
		Logger:    log,
		Auth:      resolver,
		Validator: validate.New(),
		Abuse:     abuse.New(kvs, abuse.DefaultConfig()),
		Features:  featureGate,
		Catalog:   catalog,
		Policy:    engine,
		Budget:    ledger,
		Security:  host,
		Dispatch:  dispatcher,
		Router:    routes,
		Traces:    trace.NewRecorder(st.traces),
		Audit:     auditor,
		Meter:     meter,
		Obs:       obs,
	})
	srv := gateway.NewServer(cfg, log, pipe, catalog, routes)

	// Budget counters drift from retries and replica restarts; the
	// reconciler realigns them with the metered record of truth.
	reconciler := budget.NewReconciler(ledger, st.budgets, st.usage, 5*time.Minute, log)
	go reconciler.Run(ctx)

	startInvalidationListeners(ctx, kvs, log, invalidators{
		resolver: resolver,
		catalog:  catalog,
		policy:   engine,
		features: featureGate,
		ledger:   ledger,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", httpServer.Addr, "test_mode", cfg.TestMode)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "server: %v\n", err)
			return 1
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown failed", "error", err)
		}
	}
	return 0
}

// invalidators are the caches driven by the admin-mutation pub/sub
// channels, so every replica drops stale entries when a record changes.
type invalidators struct {
	resolver *auth.Resolver
	catalog  *registry.Registry
	policy   *policy.Engine
	features *features.Registry
	ledger   *budget.Ledger
}

func startInvalidationListeners(ctx context.Context, kvs kv.Store, log *slog.Logger, inv invalidators) {
	listen := func(channel string, handle func(msg string)) {
		msgs, err := kvs.Subscribe(ctx, channel)
		if err != nil {
			log.Warn("subscribe failed", "channel", channel, "error", err)
			return
		}
		go func() {
			for msg := range msgs {
				handle(msg)
			}
		}()
	}

	listen("arbiter:invalidate:keys", func(msg string) {
		inv.resolver.Invalidate(msg)
	})
	listen("arbiter:invalidate:models", func(string) {
		inv.catalog.Invalidate()
	})
	listen("arbiter:invalidate:policy", func(msg string) {
		inv.policy.Invalidate(msg)
	})
	listen("arbiter:invalidate:features", func(msg string) {
		// Message form: "<app_id>/<feature_id>".
		if app, feature, ok := strings.Cut(msg, "/"); ok {
			inv.features.Invalidate(app, feature)
		}
	})
	listen("arbiter:invalidate:budgets", func(msg string) {
		// Message form: "<scope_type>:<scope_id>".
		if st, id, ok := strings.Cut(msg, ":"); ok {
			inv.ledger.InvalidateLimits(budget.ScopeType(st), id)
		}
	})
}

func runInit(stdout, stderr io.Writer) int {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)

	st, err := openStores(cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "store: %v\n", err)
		return 1
	}
	defer func() { _ = st.db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.initAll(ctx); err != nil {
		fmt.Fprintf(stderr, "store: init: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "schema initialized")
	return 0
}

func runIssueKey(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("issue-key", flag.ContinueOnError)
	fs.SetOutput(stderr)
	appID := fs.String("app", "", "application id (required)")
	orgID := fs.String("org", "", "organization id")
	env := fs.String("env", "development", "environment the key is bound to")
	upstream := fs.String("upstream-key", "", "upstream provider key to encrypt")
	expires := fs.Duration("expires", 0, "key lifetime, 0 for no expiry")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *appID == "" {
		fmt.Fprintln(stderr, "issue-key: -app is required")
		return 2
	}
	environment := config.Environment(*env)
	if !environment.Valid() {
		fmt.Fprintf(stderr, "issue-key: unknown environment %q\n", *env)
		return 2
	}

	cfg := config.Load()
	log := newLogger(cfg.LogLevel)

	master, err := masterKey(cfg.MasterKey)
	if err != nil {
		fmt.Fprintf(stderr, "kms: %v\n", err)
		return 1
	}
	keyring, err := kms.NewKeyring(cfg.KeyringPath, master)
	if err != nil {
		fmt.Fprintf(stderr, "kms: %v\n", err)
		return 1
	}
	st, err := openStores(cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "store: %v\n", err)
		return 1
	}
	defer func() { _ = st.db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if app, err := st.keys.GetApplication(ctx, *appID); err != nil {
		fmt.Fprintf(stderr, "issue-key: %v\n", err)
		return 1
	} else if app == nil {
		if err := st.keys.InsertApplication(ctx, &auth.AppRecord{
			AppID: *appID, OrgID: *orgID, Active: true,
		}); err != nil {
			fmt.Fprintf(stderr, "issue-key: %v\n", err)
			return 1
		}
	}

	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		fmt.Fprintf(stderr, "issue-key: %v\n", err)
		return 1
	}
	plaintext := environment.KeyPrefix() + hex.EncodeToString(secret)

	encrypted, err := keyring.Encrypt(*upstream)
	if err != nil {
		fmt.Fprintf(stderr, "issue-key: encrypt upstream: %v\n", err)
		return 1
	}

	resolver := auth.NewResolver(st.keys, keyring, master, cfg.CredentialCacheTTL)
	rec := &auth.KeyRecord{
		ID:                   uuid.NewString(),
		KeyHash:              resolver.HashKey(plaintext),
		KeyPrefix:            plaintext[:len(environment.KeyPrefix())+8],
		AppID:                *appID,
		Environment:          environment,
		EncryptedUpstreamKey: encrypted,
		Active:               true,
	}
	if *expires > 0 {
		t := time.Now().UTC().Add(*expires)
		rec.ExpiresAt = &t
	}
	if err := st.keys.InsertKey(ctx, rec); err != nil {
		fmt.Fprintf(stderr, "issue-key: %v\n", err)
		return 1
	}

	// The plaintext is shown exactly once; only the hash is stored.
	fmt.Fprintln(stdout, plaintext)
	return 0
}

func runRotateKey(stdout, stderr io.Writer) int {
	cfg := config.Load()

	master, err := masterKey(cfg.MasterKey)
	if err != nil {
		fmt.Fprintf(stderr, "kms: %v\n", err)
		return 1
	}
	keyring, err := kms.NewKeyring(cfg.KeyringPath, master)
	if err != nil {
		fmt.Fprintf(stderr, "kms: %v\n", err)
		return 1
	}
	version, err := keyring.Rotate()
	if err != nil {
		fmt.Fprintf(stderr, "rotate-key: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "active data key version: %d\n", version)
	return 0
}
