// File: cmd/history.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
	"github.com/xkilldash9x/pilot-cli/internal/observability"
	"github.com/xkilldash9x/pilot-cli/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// historyStore is the read side of the audit store.
type historyStore interface {
	EntriesForTask(ctx context.Context, taskID string) ([]schemas.ActivityEntry, error)
}

// storeProvider creates the audit store. Tests inject a fake instead of a
// live database connection.
type storeProvider interface {
	// Create returns the store and a cleanup function releasing its resources.
	Create(ctx context.Context, cfg config.Interface) (historyStore, func(), error)
}

type defaultStoreProvider struct{}

// NewStoreProvider returns the production provider backed by PostgreSQL.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (historyStore, func(), error) {
	logger := observability.GetLogger()
	if cfg.Audit().DSN == "" {
		return nil, nil, fmt.Errorf("audit database is not configured (PILOT_AUDIT_DSN)")
	}

	pool, closeDB, err := newDBPool(ctx, cfg.Audit().DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	st, err := store.New(ctx, pool, logger)
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("failed to initialize store service: %w", err)
	}
	return st, closeDB, nil
}

// newHistoryCmd creates the `history` command.
func newHistoryCmd(provider storeProvider) *cobra.Command {
	var taskID string
	var outputPath string

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Prints the recorded activity of a past task from the audit database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runHistory(ctx, observability.GetLogger(), cfg, taskID, outputPath, cmd.OutOrStdout(), provider)
		},
	}

	historyCmd.Flags().StringVar(&taskID, "task-id", "", "The ID of the task to show (required)")
	_ = historyCmd.MarkFlagRequired("task-id")
	historyCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the entries as JSON to this file instead of printing them.")
	return historyCmd
}

// runHistory contains the testable core of the history command.
func runHistory(ctx context.Context, logger *zap.Logger, cfg config.Interface, taskID, outputPath string, out io.Writer, provider storeProvider) error {
	st, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	entries, err := st.EntriesForTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load history for task %s: %w", taskID, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("no recorded activity for task %s: %w", taskID, schemas.ErrTaskNotFound)
	}

	if outputPath != "" {
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to serialize history: %w", err)
		}
		if err := os.WriteFile(outputPath, data, 0o644); err != nil {
			return fmt.Errorf("failed to write history file: %w", err)
		}
		logger.Info("History written to file", zap.String("path", outputPath), zap.Int("entries", len(entries)))
		return nil
	}

	for _, e := range entries {
		line := fmt.Sprintf("%4d  %s  %-12s %s", e.Seq, e.Timestamp.Format("2006-01-02 15:04:05"), e.Kind, e.Content)
		if code, ok := e.Args["code"]; ok {
			line += fmt.Sprintf(" (%v)", code)
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
