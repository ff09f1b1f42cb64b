package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vaultive/docstore/internal/db"
	"github.com/vaultive/docstore/internal/docstore"
	"github.com/vaultive/docstore/internal/platform/envutil"
	"github.com/vaultive/docstore/internal/platform/logger"
)

// config is the optional yaml file; flags override it.
type config struct {
	Table     string `yaml:"table"`
	IDKind    string `yaml:"id_kind"`
	FetchSize int    `yaml:"fetch_size"`
	BatchSize int    `yaml:"batch_size"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// withOverrides applies flag values on top of the file config. Empty
// strings and non-positive sizes mean the flag was not given.
func (c config) withOverrides(table, idKind string, fetchSize, batchSize int) config {
	if table != "" {
		c.Table = table
	}
	if idKind != "" {
		c.IDKind = idKind
	}
	if fetchSize > 0 {
		c.FetchSize = fetchSize
	}
	if batchSize > 0 {
		c.BatchSize = batchSize
	}
	return c
}

func parseIDKind(s string) (docstore.IDKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "uuid":
		return docstore.IDKindUUID, nil
	case "string", "text":
		return docstore.IDKindString, nil
	case "int64", "bigint":
		return docstore.IDKindInt64, nil
	default:
		return 0, fmt.Errorf("unknown id kind %q", s)
	}
}

func main() {
	var configPath, table, idKind string
	var fetchSize, batchSize int
	var dryRun bool
	flag.StringVar(&configPath, "config", "", "path to yaml config")
	flag.StringVar(&table, "table", "", "table to rewrite (overrides config)")
	flag.StringVar(&idKind, "id-kind", "", "id column kind: uuid, string or int64")
	flag.IntVar(&fetchSize, "fetch-size", 0, "cursor fetch window (overrides config)")
	flag.IntVar(&batchSize, "batch-size", 0, "rewrite batch size (overrides config)")
	flag.BoolVar(&dryRun, "dry-run", false, "count rows without rewriting")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Printf("load config: %v\n", err)
		os.Exit(1)
	}
	cfg = cfg.withOverrides(table, idKind, fetchSize, batchSize)
	if cfg.Table == "" {
		fmt.Println("no table given, use -table or the config file")
		os.Exit(1)
	}
	kind, err := parseIDKind(cfg.IDKind)
	if err != nil {
		fmt.Printf("parse id kind: %v\n", err)
		os.Exit(1)
	}

	logg, err := logger.New(envutil.String("LOG_MODE", "dev"))
	if err != nil {
		fmt.Printf("init logger: %v\n", err)
		os.Exit(1)
	}
	defer logg.Sync()

	ctx := context.Background()
	service, err := db.NewService(ctx, logg)
	if err != nil {
		logg.Error("connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer service.Close()

	if dryRun {
		var total int64
		query := fmt.Sprintf(`SELECT count(*) FROM %s`, cfg.Table)
		if err := service.Pool().QueryRow(ctx, query).Scan(&total); err != nil {
			logg.Error("count rows", "table", cfg.Table, "error", err)
			os.Exit(1)
		}
		logg.Info("dry run", "table", cfg.Table, "rows", total)
		return
	}

	gate := docstore.NewGate(service.Capacity())
	runner := docstore.NewTxRunner(service.Pool(), gate, logg)

	// Identity rewrite: decode and re-encode every payload, normalizing
	// stored JSON to the current codec output.
	rewritten, err := docstore.Backfill(ctx, docstore.BackfillConfig[json.RawMessage]{
		Runner:    runner,
		Table:     cfg.Table,
		IDKind:    kind,
		FetchSize: cfg.FetchSize,
		BatchSize: cfg.BatchSize,
		Log:       logg,
	}, func(id docstore.ID, rec docstore.Record[json.RawMessage]) (json.RawMessage, error) {
		return rec.Data, nil
	})
	if err != nil {
		logg.Error("backfill failed", "table", cfg.Table, "error", err)
		os.Exit(1)
	}
	logg.Info("backfill complete", "table", cfg.Table, "rows", rewritten)
}
