// Command migrate runs database migrations via goose.
//
// Usage:
//
//	go run ./cmd/migrate up              # Apply all pending migrations
//	go run ./cmd/migrate down            # Roll back the last migration
//	go run ./cmd/migrate status          # Show migration status
//	go run ./cmd/migrate version         # Show current schema version
//	go run ./cmd/migrate redo            # Roll back and re-apply last migration
//	go run ./cmd/migrate up-to 2         # Migrate up to a specific version
//	go run ./cmd/migrate down-to 1       # Roll back to a specific version
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/mbd888/fiatbridge/migrations"
)

var databaseURL string

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Apply fiatbridge database migrations",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func gooseCmd(use, short string, args cobra.PositionalArgs) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, a := range args {
				if _, err := strconv.ParseInt(a, 10, 64); err != nil {
					return fmt.Errorf("version must be an integer: %q", a)
				}
			}
			return run(cmd.Context(), cmd.Name(), args...)
		},
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"),
		"PostgreSQL connection string (defaults to $DATABASE_URL)")

	rootCmd.AddCommand(
		gooseCmd("up", "Apply all pending migrations", cobra.NoArgs),
		gooseCmd("down", "Roll back the last migration", cobra.NoArgs),
		gooseCmd("status", "Show migration status", cobra.NoArgs),
		gooseCmd("version", "Show current schema version", cobra.NoArgs),
		gooseCmd("redo", "Roll back and re-apply the last migration", cobra.NoArgs),
		gooseCmd("up-to", "Migrate up to a specific version", cobra.ExactArgs(1)),
		gooseCmd("down-to", "Roll back to a specific version", cobra.ExactArgs(1)),
	)
}

func run(ctx context.Context, command string, args ...string) error {
	if databaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable or --database-url is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	return migrations.Run(ctx, db, command, args...)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
