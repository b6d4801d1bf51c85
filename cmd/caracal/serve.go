package main

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/garudex-labs/caracal/pkg/api"
	"github.com/garudex-labs/caracal/pkg/archive"
	"github.com/garudex-labs/caracal/pkg/audit"
	"github.com/garudex-labs/caracal/pkg/auth"
	"github.com/garudex-labs/caracal/pkg/authority"
	"github.com/garudex-labs/caracal/pkg/bus"
	"github.com/garudex-labs/caracal/pkg/cache"
	"github.com/garudex-labs/caracal/pkg/compat"
	"github.com/garudex-labs/caracal/pkg/config"
	"github.com/garudex-labs/caracal/pkg/crypto"
	"github.com/garudex-labs/caracal/pkg/database"
	"github.com/garudex-labs/caracal/pkg/gateway"
	"github.com/garudex-labs/caracal/pkg/identity"
	"github.com/garudex-labs/caracal/pkg/ledger"
	"github.com/garudex-labs/caracal/pkg/mandate"
	"github.com/garudex-labs/caracal/pkg/metering"
	"github.com/garudex-labs/caracal/pkg/observability"
	"github.com/garudex-labs/caracal/pkg/policy"
	"github.com/garudex-labs/caracal/pkg/retry"
	"github.com/garudex-labs/caracal/pkg/snapshot"
)

// ledgerWriterGroup consumes both event topics into the ledger. The name
// is part of the deployment's bus state; replay commands target it.
const ledgerWriterGroup = "ledger-writer"

// chargeSweepInterval is how often expired provisional holds are swept.
const chargeSweepInterval = time.Minute

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, stdout, stderr); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

// serve wires every subsystem and runs them until the context ends. The
// first hard failure brings the whole group down so a half-alive service
// never keeps answering.
func serve(ctx context.Context, stdout, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Service.LogLevel),
	}))

	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Enabled:      cfg.Telemetry.Enabled,
		SampleRate:   1.0,
		Insecure:     true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	db, err := database.Open(cfg.Database.DSN)
	if err != nil {
		return unavailable(fmt.Errorf("open database: %w", err))
	}
	defer db.Close()
	if db.IsPostgres() {
		// SQLite stays on the single serialized connection Open pinned.
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	ks, err := crypto.OpenKeystore(cfg.Keystore.Path, []byte(cfg.Keystore.MasterSecret))
	if err != nil {
		return unavailable(fmt.Errorf("open keystore: %w", err))
	}
	signer := ks.ActiveSigner()

	b, err := bus.Open(db, logger)
	if err != nil {
		return unavailable(err)
	}
	b.WithPartitions(cfg.Bus.Partitions)
	producer := b.Producer()

	principals, err := identity.NewStore(db, logger)
	if err != nil {
		return unavailable(err)
	}
	principals.WithPublisher(producer)
	policies, err := policy.NewStore(db, logger)
	if err != nil {
		return unavailable(err)
	}
	policies.WithPublisher(producer)
	mandates, err := mandate.NewStore(db, logger)
	if err != nil {
		return unavailable(err)
	}
	meter, err := metering.NewStore(db, logger)
	if err != nil {
		return unavailable(err)
	}
	ledgerStore, err := ledger.NewStore(db, logger)
	if err != nil {
		return unavailable(err)
	}
	auditStore, err := audit.NewStore(db, logger)
	if err != nil {
		return unavailable(err)
	}
	catalog, err := snapshot.NewStore(db, logger)
	if err != nil {
		return unavailable(err)
	}

	// Mandate mutations come through the CLI, but a broken guard rule
	// should stop the service at startup, not at the first issuance.
	if _, err := policy.NewGuard(cfg.Policy.GuardRules); err != nil {
		return fmt.Errorf("compile guard rules: %w", err)
	}

	keyResolver := mandateKeyResolver(principals, ks.PublicKeys())
	evaluator := authority.NewEvaluator(mandates.Get, keyResolver)

	batcher := ledger.NewBatcher(ledgerStore, signer, logger).
		WithBatchSize(cfg.Ledger.BatchSize).
		WithInterval(cfg.Ledger.BatchInterval).
		WithHighWatermark(cfg.Ledger.HighWatermark).
		WithPendingAgeSLO(cfg.Ledger.PendingRootSLO)

	writer, err := ledger.NewWriter(ledgerStore, batcher, logger)
	if err != nil {
		return fmt.Errorf("init ledger writer: %w", err)
	}
	writerGroup := b.Consumer(ledgerWriterGroup, bus.TopicAuthorityEvents, bus.TopicMeteringEvents).
		WithBatchSize(cfg.Bus.MaxPollRecords).
		WithPollInterval(cfg.Bus.PollInterval).
		WithRetryPolicy(retryPolicy(cfg.Bus.MaxAttempts))

	meterConsumer := metering.NewConsumer(b, meter, logger)
	auditConsumer := audit.NewConsumer(b, auditStore, logger)
	metricsConsumer, err := observability.NewMetricsConsumer(b, provider, logger)
	if err != nil {
		return fmt.Errorf("init metrics consumer: %w", err)
	}
	defer metricsConsumer.Close()

	policyCache := cache.NewPolicyCache(logger).
		WithTTL(cfg.Cache.TTL).
		WithMaxSize(cfg.Cache.MaxEntries)
	// Invalidation groups are per instance so every replica sees every
	// change; a shared group would split the stream between them.
	invalidation := cache.NewInvalidationConsumer(b, policyCache,
		"policy-cache-"+uuid.NewString()[:8], logger)

	sketch := cache.NewSpendingSketch()
	mode, err := compat.ParseMode(cfg.Service.EnforcementMode)
	if err != nil {
		return fmt.Errorf("enforcement mode: %w", err)
	}
	layer := compat.NewLayer(mode, mandates, evaluator, logger).
		WithSpending(meter).
		WithSketch(sketch)
	compatHandler := compat.NewHandler(layer, logger)

	objects, err := archive.New(ctx, archive.Config{
		Backend:  cfg.Archive.Backend,
		Dir:      cfg.Snapshot.Directory,
		Bucket:   cfg.Archive.Bucket,
		Region:   cfg.Archive.Region,
		Endpoint: cfg.Archive.Endpoint,
		Prefix:   cfg.Archive.Prefix,
	})
	if err != nil {
		return unavailable(fmt.Errorf("open archive: %w", err))
	}

	snapshotter := snapshot.NewSnapshotter(snapshot.Stores{
		Principals: principals,
		Policies:   policies,
		Mandates:   mandates,
		Ledger:     ledgerStore,
		Catalog:    catalog,
	}, objects, signer, crypto.StaticKeys(ks.PublicKeys()), logger).
		WithKeep(cfg.Snapshot.Keep).
		WithInterval(cfg.Snapshot.Interval)

	chain, err := buildAuthChain(cfg, ks, logger)
	if err != nil {
		return err
	}

	srv := gateway.NewServer(mandates, policies, evaluator, keystoreLookup(ks), chain, logger).
		WithCache(policyCache).
		WithCharges(meter).
		WithPublisher(producer).
		WithCompat(compatHandler).
		WithUpstreamTimeout(cfg.Gateway.UpstreamTimeout).
		WithReplayWindow(cfg.Gateway.ReplayWindow).
		WithComponent("database", func(ctx context.Context) error {
			return db.PingContext(ctx)
		}).
		WithComponent("bus", func(ctx context.Context) error {
			_, err := b.Lag(ctx, ledgerWriterGroup, bus.TopicAuthorityEvents)
			return err
		}).
		WithStatsSource("ledger_batcher", func(context.Context) any {
			return batcher.Stats()
		})

	if cfg.Redis.Addr != "" {
		srv.WithNonces(gateway.NewRedisNonces(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB))
		srv.WithRateLimit(auth.NewRedisLimiter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB), rateLimit(cfg))
	} else {
		srv.WithNonces(gateway.NewMemoryNonces(0))
		srv.WithRateLimit(auth.NewMemoryLimiter(), rateLimit(cfg))
	}
	if rps := int(cfg.Gateway.RatePerSecond); rps > 0 {
		srv.WithIPRateLimit(api.NewGlobalRateLimiter(rps, cfg.Gateway.RateBurst))
	}

	logger.Info("caracal starting",
		slog.String("mode", cfg.Service.EnforcementMode),
		slog.String("listen", cfg.Gateway.Listen),
		slog.String("signer_key", signer.KeyID()))
	fmt.Fprintf(stdout, "caracal %s listening on %s (enforcement mode %s)\n",
		version, cfg.Gateway.Listen, cfg.Service.EnforcementMode)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return writerGroup.Run(ctx, writer.Handler()) })
	g.Go(func() error { return batcher.Run(ctx) })
	g.Go(func() error { return meterConsumer.Run(ctx) })
	g.Go(func() error { return auditConsumer.Run(ctx) })
	g.Go(func() error { return metricsConsumer.Run(ctx) })
	g.Go(func() error { return invalidation.Run(ctx) })
	g.Go(func() error { return snapshotter.Run(ctx) })
	g.Go(func() error { return sweepCharges(ctx, meter, logger) })
	g.Go(func() error { return srv.Start(ctx, cfg.Gateway.Listen) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("caracal stopped")
		return nil
	}
	return err
}

// mandateKeyResolver resolves the signer key id against the service
// keystore first, then falls back to the issuer's registered key for
// externally signed mandates.
func mandateKeyResolver(principals *identity.Store, keystorePEMs map[string]string) mandate.KeyResolver {
	return func(ctx context.Context, m *mandate.Mandate) (string, error) {
		if pem, ok := keystorePEMs[m.SignerKeyID]; ok {
			return pem, nil
		}
		p, err := principals.Get(ctx, m.IssuerID)
		if err != nil {
			return "", fmt.Errorf("resolve key for issuer %s: %w", m.IssuerID, err)
		}
		if p.PublicKey == "" {
			return "", fmt.Errorf("no key known for signer %s or issuer %s", m.SignerKeyID, m.IssuerID)
		}
		return p.PublicKey, nil
	}
}

// keystoreLookup adapts the keystore's PEM map to the parsed-key lookup
// the gateway needs for mandate tokens.
func keystoreLookup(ks *crypto.Keystore) mandate.PublicKeyLookup {
	pems := ks.PublicKeys()
	return func(kid string) (*ecdsa.PublicKey, error) {
		pem, ok := pems[kid]
		if !ok {
			return nil, fmt.Errorf("unknown signer key %q", kid)
		}
		return crypto.ParsePublicKey([]byte(pem))
	}
}

// buildAuthChain assembles gateway authenticators: bearer tokens signed
// by the keystore always work, API keys join when a grants file is
// configured.
func buildAuthChain(cfg *config.Config, ks *crypto.Keystore, logger *slog.Logger) (auth.Chain, error) {
	keySet := auth.KeySet{}
	for kid, pem := range ks.PublicKeys() {
		pub, err := crypto.ParsePublicKey([]byte(pem))
		if err != nil {
			return nil, fmt.Errorf("parse keystore key %s: %w", kid, err)
		}
		keySet[kid] = pub
	}
	jws := auth.NewJWSAuthenticator(keySet).WithIssuer(cfg.Gateway.JWTIssuer)
	chain := auth.Chain{jws}

	if cfg.Gateway.APIKeysFile != "" {
		apiKeys := auth.NewAPIKeyAuthenticator([]byte(cfg.Keystore.MasterSecret))
		n, err := loadAPIGrants(cfg.Gateway.APIKeysFile, apiKeys)
		if err != nil {
			return nil, unavailable(fmt.Errorf("load api keys: %w", err))
		}
		logger.Info("api key grants loaded", slog.Int("count", n))
		chain = append(chain, apiKeys)
	}
	return chain, nil
}

// loadAPIGrants reads principal:secret lines into the authenticator.
// Blank lines and # comments are skipped.
func loadAPIGrants(path string, apiKeys *auth.APIKeyAuthenticator) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		principalID, secret, ok := strings.Cut(text, ":")
		if !ok || principalID == "" || secret == "" {
			return n, fmt.Errorf("line %d: expected principal:secret", line)
		}
		apiKeys.Grant(principalID, secret)
		n++
	}
	return n, scanner.Err()
}

func rateLimit(cfg *config.Config) auth.Limit {
	return auth.Limit{
		PerMinute: int(cfg.Gateway.RatePerSecond * 60),
		Burst:     cfg.Gateway.RateBurst,
	}
}

func retryPolicy(maxAttempts int) retry.BackoffPolicy {
	p := retry.DefaultPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	return p
}

// sweepCharges releases expired provisional holds on a fixed cadence.
func sweepCharges(ctx context.Context, meter *metering.Store, logger *slog.Logger) error {
	ticker := time.NewTicker(chargeSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := meter.CleanupExpired(ctx, metering.DefaultCleanupBatch)
			if err != nil {
				logger.Warn("charge sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				logger.Info("expired charges swept", slog.Int("count", n))
			}
		}
	}
}
