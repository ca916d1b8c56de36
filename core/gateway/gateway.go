// Package gateway assembles the component stack from a loaded
// configuration: the metadata store, the connection registry and the
// executor, migration, backup and transfer components on top of it.
package gateway

import (
	"path/filepath"

	"github.com/dbridge-io/dbridge/core/backup"
	"github.com/dbridge-io/dbridge/core/config"
	"github.com/dbridge-io/dbridge/core/executor"
	"github.com/dbridge-io/dbridge/core/migrate"
	"github.com/dbridge-io/dbridge/core/registry"
	"github.com/dbridge-io/dbridge/core/store"
	"github.com/dbridge-io/dbridge/core/transfer"
)

// Gateway owns the assembled components and the metadata store backing
// them.
type Gateway struct {
	Registry   *registry.Registry
	Executor   *executor.Executor
	Migrations *migrate.Engine
	Backups    *backup.Manager
	Transfers  *transfer.Pipeline

	store *store.Store
}

// New wires the gateway components from a configuration. The metadata
// store lives under cfg.DataDir; backup and export artifacts go to
// their configured directories.
func New(cfg *config.Config) (*Gateway, error) {
	st, err := store.Open(filepath.Join(cfg.DataDir, "metadata.db"))
	if err != nil {
		return nil, err
	}

	reg := registry.New()

	var execOpts []executor.Option
	if cfg.HistorySize > 0 {
		execOpts = append(execOpts, executor.WithHistorySize(cfg.HistorySize))
	}
	var transferOpts []transfer.Option
	if cfg.DefaultBatchSize > 0 {
		transferOpts = append(transferOpts, transfer.WithBatchSize(cfg.DefaultBatchSize))
	}

	return &Gateway{
		Registry:   reg,
		Executor:   executor.New(reg, execOpts...),
		Migrations: migrate.New(reg, st),
		Backups:    backup.New(reg, st, cfg.BackupDir),
		Transfers:  transfer.New(reg, cfg.ExportDir, transferOpts...),
		store:      st,
	}, nil
}

// Close releases every registered connection and the metadata store.
func (g *Gateway) Close() error {
	regErr := g.Registry.CloseAll()
	storeErr := g.store.Close()
	if regErr != nil {
		return regErr
	}
	return storeErr
}
