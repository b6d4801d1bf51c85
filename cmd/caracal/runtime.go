package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/garudex-labs/caracal/pkg/audit"
	"github.com/garudex-labs/caracal/pkg/bus"
	"github.com/garudex-labs/caracal/pkg/config"
	"github.com/garudex-labs/caracal/pkg/crypto"
	"github.com/garudex-labs/caracal/pkg/database"
	"github.com/garudex-labs/caracal/pkg/identity"
	"github.com/garudex-labs/caracal/pkg/ledger"
	"github.com/garudex-labs/caracal/pkg/mandate"
	"github.com/garudex-labs/caracal/pkg/metering"
	"github.com/garudex-labs/caracal/pkg/policy"
	"github.com/garudex-labs/caracal/pkg/snapshot"
)

// runtime bundles the configuration, database, and stores an admin
// command needs. Commands open it, do one thing, and close it; only
// serve keeps one alive.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *database.DB
	bus    *bus.Bus

	principals *identity.Store
	policies   *policy.Store
	mandates   *mandate.Store
	meter      *metering.Store
	events     *ledger.Store
	audits     *audit.Store
	catalog    *snapshot.Store
}

// openRuntime loads configuration and connects every store. Admin
// commands log at warn level so store chatter stays out of script
// output.
func openRuntime(stderr io.Writer) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	db, err := database.Open(cfg.Database.DSN)
	if err != nil {
		return nil, unavailable(fmt.Errorf("open database: %w", err))
	}

	rt := &runtime{cfg: cfg, logger: logger, db: db}
	bail := func(what string, err error) (*runtime, error) {
		db.Close()
		return nil, unavailable(fmt.Errorf("%s store: %w", what, err))
	}
	if rt.bus, err = bus.Open(db, logger); err != nil {
		return bail("bus", err)
	}
	rt.bus.WithPartitions(cfg.Bus.Partitions)

	// Admin mutations publish through the same bus the service consumes,
	// so a policy changed from the CLI still invalidates server caches
	// and lands in the ledger.
	if rt.principals, err = identity.NewStore(db, logger); err != nil {
		return bail("principal", err)
	}
	rt.principals.WithPublisher(rt.bus.Producer())
	if rt.policies, err = policy.NewStore(db, logger); err != nil {
		return bail("policy", err)
	}
	rt.policies.WithPublisher(rt.bus.Producer())
	if rt.mandates, err = mandate.NewStore(db, logger); err != nil {
		return bail("mandate", err)
	}
	if rt.meter, err = metering.NewStore(db, logger); err != nil {
		return bail("metering", err)
	}
	if rt.events, err = ledger.NewStore(db, logger); err != nil {
		return bail("ledger", err)
	}
	if rt.audits, err = audit.NewStore(db, logger); err != nil {
		return bail("audit", err)
	}
	if rt.catalog, err = snapshot.NewStore(db, logger); err != nil {
		return bail("snapshot", err)
	}
	return rt, nil
}

func (rt *runtime) close() {
	rt.db.Close()
}

// openKeystore unseals the signing keystore. Only commands that sign or
// verify call this, so a deployment without the master secret on the
// admin host can still run read-only commands.
func (rt *runtime) openKeystore() (*crypto.Keystore, error) {
	ks, err := crypto.OpenKeystore(rt.cfg.Keystore.Path, []byte(rt.cfg.Keystore.MasterSecret))
	if err != nil {
		return nil, unavailable(fmt.Errorf("open keystore: %w", err))
	}
	return ks, nil
}

// manager builds the mandate manager for issuance commands.
func (rt *runtime) manager() (*mandate.Manager, *crypto.Keystore, error) {
	guard, err := policy.NewGuard(rt.cfg.Policy.GuardRules)
	if err != nil {
		return nil, nil, fmt.Errorf("compile guard rules: %w", err)
	}
	ks, err := rt.openKeystore()
	if err != nil {
		return nil, nil, err
	}
	mgr := mandate.NewManager(rt.mandates, rt.principals, rt.policies, guard, ks.ActiveSigner(), rt.logger).
		WithPublisher(rt.bus.Producer()).
		WithKeyResolver(mandateKeyResolver(rt.principals, ks.PublicKeys()))
	return mgr, ks, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// splitList turns a comma-separated flag value into its parts, dropping
// empty segments so trailing commas do not become empty scopes.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
