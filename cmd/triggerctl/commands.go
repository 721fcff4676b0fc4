package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SirClappington/triggerq/internal/api"
	"github.com/SirClappington/triggerq/internal/config"
	"github.com/SirClappington/triggerq/internal/domain"
	"github.com/SirClappington/triggerq/internal/platform"
	"github.com/SirClappington/triggerq/internal/queue"
	"github.com/SirClappington/triggerq/internal/storage"
)

// withStore loads configuration, opens the store, runs fn and closes it.
func withStore(ctx context.Context, fn func(cfg config.Config, st queue.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, closeStore, err := platform.OpenStore(ctx, cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer closeStore() //nolint:errcheck
	return fn(cfg, st)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func enqueueCmd() *cobra.Command {
	var (
		cmd     domain.TriggerCommand
		payload string
	)
	c := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue one trigger command",
		RunE: func(c *cobra.Command, _ []string) error {
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &cmd.Payload); err != nil {
					return errors.Wrap(err, "--payload")
				}
			}
			return withStore(c.Context(), func(cfg config.Config, st queue.Store) error {
				p := queue.NewProducer(st, zap.NewNop(), queue.WithJobOptions(cfg.JobOptions()))
				h, err := p.Enqueue(c.Context(), cmd)
				if err != nil {
					return err
				}
				return printJSON(c.OutOrStdout(), h)
			})
		},
	}
	c.Flags().StringVar(&cmd.Template, "template", "", "workflow template identifier")
	c.Flags().StringSliceVar(&cmd.To, "to", nil, "recipient subscriber ids")
	c.Flags().StringVar(&cmd.TransactionID, "transaction-id", "", "caller transaction id")
	c.Flags().StringVar(&cmd.Tenant, "tenant", "", "tenant identifier")
	c.Flags().StringVar(&payload, "payload", "", "JSON object passed to the template")
	_ = c.MarkFlagRequired("template")
	return c
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withStore(c.Context(), func(_ config.Config, st queue.Store) error {
				job, err := st.Get(c.Context(), queue.TriggerQueue, args[0])
				if err != nil {
					return err
				}
				return printJSON(c.OutOrStdout(), job)
			})
		},
	}
}

func countsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Show job counts by state",
		RunE: func(c *cobra.Command, _ []string) error {
			return withStore(c.Context(), func(_ config.Config, st queue.Store) error {
				counts, err := st.Counts(c.Context(), queue.TriggerQueue)
				if err != nil {
					return err
				}
				return printJSON(c.OutOrStdout(), counts)
			})
		},
	}
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run one maintenance pass: requeue stalled jobs and promote due retries",
		RunE: func(c *cobra.Command, _ []string) error {
			return withStore(c.Context(), func(cfg config.Config, st queue.Store) error {
				stats, err := st.Recover(c.Context(), queue.TriggerQueue, cfg.MaxStalledCount)
				if err != nil {
					return err
				}
				return printJSON(c.OutOrStdout(), stats)
			})
		},
	}
}

func migrateCmd() *cobra.Command {
	var dir string
	c := &cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres migrations and exit",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.PostgresDSN == "" {
				return &queue.ConfigurationError{Field: "POSTGRES_DSN", Err: errors.New("required for migrate")}
			}
			connCfg, err := pgx.ParseConfig(cfg.PostgresDSN)
			if err != nil {
				return errors.Wrap(err, "parse POSTGRES_DSN")
			}
			db := stdlib.OpenDB(*connCfg)
			defer db.Close() //nolint:errcheck
			if err := storage.Migrate(db, dir); err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	c.Flags().StringVar(&dir, "dir", "migrations", "directory holding goose SQL migrations")
	return c
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	c := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with JWT_SIGNING_KEY",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSigningKey == "" {
				return &queue.ConfigurationError{Field: "JWT_SIGNING_KEY", Err: errors.New("required to sign tokens")}
			}
			tok, err := api.IssueToken(cfg.JWTSigningKey, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), tok)
			return nil
		},
	}
	c.Flags().StringVar(&subject, "subject", "", "token subject")
	c.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = c.MarkFlagRequired("subject")
	return c
}
