package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/patientcore/internal/config"
	"github.com/ehr/patientcore/internal/platform/db"
	"github.com/ehr/patientcore/internal/platform/hipaa"
	"github.com/ehr/patientcore/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "patientcore",
		Short:        "Patient status lifecycle and audit trail service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(retentionCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads and validates configuration and builds the process logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, newLogger(cfg), nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the retention scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, logger)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := schemaFlag(cmd, cfg)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schemaFlag(cmd, cfg))
			if err != nil {
				return err
			}
			printMigrationStatus(cmd, statuses)
			return nil
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "", "target schema (defaults to DB_SCHEMA)")
		cmd.AddCommand(c)
	}
	return cmd
}

func schemaFlag(cmd *cobra.Command, cfg *config.Config) string {
	if s, _ := cmd.Flags().GetString("schema"); s != "" {
		return s
	}
	return cfg.DBSchema
}

func printMigrationStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-8s %-40s %-8s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		state, at := "pending", ""
		if s.Applied {
			state = "applied"
			if s.AppliedAt != nil {
				at = s.AppliedAt.UTC().Format(time.RFC3339)
			}
		}
		fmt.Fprintf(out, "%-8d %-40s %-8s %s\n", s.Version, s.Name, state, at)
	}
}

func retentionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Audit log retention",
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove audit entries older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			if v, _ := cmd.Flags().GetString("now"); v != "" {
				if now, err = time.Parse(time.RFC3339, v); err != nil {
					return fmt.Errorf("invalid --now: %w", err)
				}
			}

			ctx := cmd.Context()
			b, err := openBackends(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			manager, err := newRetentionManager(ctx, cfg, b.audit, nil, logger)
			if err != nil {
				return err
			}
			purged, err := manager.Purge(ctx, now)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d audit entr(ies) older than %s.\n",
				purged, manager.Cutoff(now).Format(time.RFC3339))
			return nil
		},
	}
	purgeCmd.Flags().String("now", "", "evaluate the window at this RFC 3339 instant instead of the current time")
	cmd.AddCommand(purgeCmd)
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail maintenance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Recompute every audit entry checksum and report mismatches",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			b, err := openBackends(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()
			return verifyAudit(ctx, cmd, b.audit)
		},
	})
	return cmd
}

func verifyAudit(ctx context.Context, cmd *cobra.Command, store hipaa.AuditStore) error {
	sweep, err := store.VerifyAll(ctx)
	if err != nil {
		return fmt.Errorf("verify audit log: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checked %d audit entr(ies), %d violation(s).\n", sweep.Checked, len(sweep.Violations))
	for _, v := range sweep.Violations {
		fmt.Fprintf(out, "  %s stored=%s computed=%s\n", v.ID, v.StoredChecksum, v.ComputedChecksum)
	}
	if len(sweep.Violations) > 0 {
		return fmt.Errorf("%d audit entr(ies) failed verification", len(sweep.Violations))
	}
	return nil
}
