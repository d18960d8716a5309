package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/shaharia-lab/tutorbot"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Print statistics and the session list from the configured snapshot",
	RunE:  runSessions,
}

// readOnlyStorage loads from the wrapped backend and discards saves.
type readOnlyStorage struct {
	tutorbot.SnapshotStorage
}

func (readOnlyStorage) Save(context.Context, map[string]*tutorbot.Session) error { return nil }

func runSessions(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	storage, closeStorage, err := openSnapshotStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeStorage() }()

	store := tutorbot.NewSessionStore(ctx,
		tutorbot.WithMaxHistory(cfg.Sessions.MaxHistory),
		tutorbot.WithTimeout(cfg.GetSessionTimeout()),
		tutorbot.WithSweepInterval(0),
		tutorbot.WithSnapshotStorage(readOnlyStorage{storage}),
		tutorbot.WithLogger(logger),
	)
	defer store.Destroy(ctx)

	admin := tutorbot.NewSessionAdmin(store)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"statistics": admin.Stats(),
		"sessions":   admin.List(),
	})
}
