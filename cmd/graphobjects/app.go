package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/orneryd/graphobjects/pkg/audit"
	"github.com/orneryd/graphobjects/pkg/cache"
	"github.com/orneryd/graphobjects/pkg/config"
	"github.com/orneryd/graphobjects/pkg/graph"
	"github.com/orneryd/graphobjects/pkg/logger"
	"github.com/orneryd/graphobjects/pkg/schema"
	"github.com/orneryd/graphobjects/pkg/search"
	"github.com/orneryd/graphobjects/pkg/storage"
)

// app is what one command invocation works with.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	db      *graph.Database
	index   *search.FulltextIndex
	results *cache.ResultCache
	changes *audit.ChangeLog
	sc      *graph.SecurityContext
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())

	var reg *schema.Registry
	if cfg.SchemaPath != "" {
		if reg, err = schema.LoadFile(cfg.SchemaPath); err != nil {
			return nil, err
		}
	}

	var engine storage.Engine
	if cfg.InMemory {
		engine = storage.NewMemoryEngine()
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		engine, err = storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
			DataDir:    filepath.Join(cfg.DataDir, "graph"),
			SyncWrites: cfg.SyncWrites,
			LowMemory:  cfg.LowMemory,
			Logger:     storage.NewBadgerLogger(log),
		})
		if err != nil {
			return nil, err
		}
	}

	a := &app{cfg: cfg, log: log, index: search.NewFulltextIndex()}
	a.db, err = graph.Open(engine, graph.Options{
		Registry:               reg,
		Logger:                 log,
		MaxInnerCallbackPasses: cfg.MaxCallbackPasses,
		SlowPhaseThreshold:     cfg.SlowPhase,
		Indexer:                a.index,
	})
	if err != nil {
		engine.Close()
		return nil, err
	}
	if cfg.CacheSize > 0 {
		a.results = cache.NewResultCache(cfg.CacheSize, cfg.CacheTTL)
		a.db.AddListener(a.results)
	}
	if cfg.AuditLog != "" {
		if a.changes, err = audit.NewChangeLog(audit.Config{LogPath: cfg.AuditLog, SyncWrites: cfg.SyncWrites}); err != nil {
			a.Close()
			return nil, err
		}
		a.db.AddListener(a.changes)
	}

	if a.sc, err = a.securityContext(cmd); err != nil {
		a.Close()
		return nil, err
	}
	log.Debug("opened", slog.String("config", cfg.String()))
	return a, nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if v, _ := flags.GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := flags.GetString("schema"); v != "" {
		cfg.SchemaPath = v
	}
	if v, _ := flags.GetBool("in-memory"); v {
		cfg.InMemory = true
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (a *app) securityContext(cmd *cobra.Command) (*graph.SecurityContext, error) {
	userID, _ := cmd.Flags().GetString("user")
	if userID == "" {
		return graph.SuperUserContext(), nil
	}
	var sc *graph.SecurityContext
	err := a.db.Read(context.Background(), graph.SuperUserContext(), func(tx *graph.Tx) error {
		n, err := tx.NodeByUUID(userID)
		if err != nil {
			return fmt.Errorf("user %s: %w", userID, err)
		}
		sc = graph.UserContext(n)
		return nil
	})
	return sc, err
}

// rebuildIndex fills the fulltext index from the store. The index lives in
// memory only.
func (a *app) rebuildIndex(ctx context.Context) error {
	return a.db.Read(ctx, a.sc, a.index.Rebuild)
}

func (a *app) Close() error {
	var err error
	if a.changes != nil {
		err = multierr.Append(err, a.changes.Close())
	}
	if a.db != nil {
		err = multierr.Append(err, a.db.Close())
	}
	return err
}

// parseAssignments splits key=value arguments. Values stay strings; the
// schema coerces them to the property type.
func parseAssignments(args []string) (map[string]any, error) {
	props := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		props[k] = v
	}
	return props, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
