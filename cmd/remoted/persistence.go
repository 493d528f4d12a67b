package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaonanln/goreplica/config"
	"github.com/xiaonanln/goreplica/util/postgres"
	"github.com/xiaonanln/goreplica/util/sqlite"
)

const propertiesTable = "goreplica_properties"

// PersistenceOptions holds flags for the persistence command group.
type PersistenceOptions struct {
	Provider    string
	SQLitePath  string
	PostgresDSN string
	Yes         bool
}

// propertyAdmin manages what a persistence backend has saved.
type propertyAdmin interface {
	Init(ctx context.Context, w io.Writer) error
	Status(ctx context.Context, w io.Writer) error
	TypeNames(ctx context.Context) ([]string, error)
	Clear(ctx context.Context, typeName string) (int64, error)
	Close() error
}

// NewPersistenceCommand creates the persistence command group.
func NewPersistenceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PersistenceOptions{}

	cmd := &cobra.Command{
		Use:   "persistence",
		Short: "Manage saved replica properties",
		Long: `Inspect and maintain the database replicas save their persisted
properties in. The backend is taken from the configuration file unless
--persistence is given.`,
		Example: `  remoted persistence init --persistence postgres --postgres-dsn postgres://u:p@localhost/goreplica
  remoted persistence types --persistence sqlite --sqlite-path replicas.db
  remoted persistence clear Thermostat --config remoted.yml --yes`,
	}
	cmd.PersistentFlags().StringVar(&opts.Provider, "persistence", "", "persistence provider (sqlite|postgres)")
	cmd.PersistentFlags().StringVar(&opts.SQLitePath, "sqlite-path", "", "database file for --persistence sqlite")
	cmd.PersistentFlags().StringVar(&opts.PostgresDSN, "postgres-dsn", "", "connection string for --persistence postgres")

	withAdmin := func(fn func(cmd *cobra.Command, args []string, admin propertyAdmin) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig(opts.apply(cmd))
			if err != nil {
				return err
			}
			admin, err := openAdmin(cfg)
			if err != nil {
				return err
			}
			defer admin.Close()
			return fn(cmd, args, admin)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the properties table",
		Args:  cobra.NoArgs,
		RunE: withAdmin(func(cmd *cobra.Command, args []string, admin propertyAdmin) error {
			return admin.Init(commandContext(cmd), cmd.OutOrStdout())
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show database status",
		Args:  cobra.NoArgs,
		RunE: withAdmin(func(cmd *cobra.Command, args []string, admin propertyAdmin) error {
			return admin.Status(commandContext(cmd), cmd.OutOrStdout())
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "types",
		Short: "List the types that have saved properties",
		Args:  cobra.NoArgs,
		RunE: withAdmin(func(cmd *cobra.Command, args []string, admin propertyAdmin) error {
			names, err := admin.TypeNames(commandContext(cmd))
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		}),
	})

	clearCmd := &cobra.Command{
		Use:   "clear <type>",
		Short: "Delete everything saved for a type",
		Args:  cobra.ExactArgs(1),
		RunE: withAdmin(func(cmd *cobra.Command, args []string, admin propertyAdmin) error {
			typeName := args[0]
			out := cmd.OutOrStdout()
			if !opts.Yes {
				fmt.Fprintf(out, "Delete all saved properties of %s? (yes/no): ", typeName)
				if !confirmed(cmd.InOrStdin()) {
					fmt.Fprintln(out, "Operation cancelled.")
					return nil
				}
			}
			n, err := admin.Clear(commandContext(cmd), typeName)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Deleted %d row(s) of %s\n", n, typeName)
			return nil
		}),
	}
	clearCmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "do not ask for confirmation")
	cmd.AddCommand(clearCmd)

	return cmd
}

func (opts *PersistenceOptions) apply(cmd *cobra.Command) func(*config.Config) {
	return func(cfg *config.Config) {
		flags := cmd.Flags()
		if flags.Changed("persistence") {
			cfg.Persistence.Provider = opts.Provider
		}
		if flags.Changed("sqlite-path") {
			cfg.Persistence.SQLite.Path = opts.SQLitePath
		}
		if flags.Changed("postgres-dsn") {
			cfg.Persistence.Postgres.DSN = opts.PostgresDSN
		}
	}
}

func openAdmin(cfg *config.Config) (propertyAdmin, error) {
	switch cfg.Persistence.Provider {
	case "sqlite":
		s, err := sqlite.Open(cfg.Persistence.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return &sqliteAdmin{store: s, path: cfg.Persistence.SQLite.Path}, nil
	case "postgres":
		pgConfig := cfg.PostgresConfig()
		db, err := postgres.NewDB(pgConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return &postgresAdmin{db: db, config: pgConfig}, nil
	}
	return nil, fmt.Errorf("persistence provider must be sqlite or postgres, got %q", cfg.Persistence.Provider)
}

func confirmed(in io.Reader) bool {
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return false
	}
	return strings.ToLower(strings.TrimSpace(scanner.Text())) == "yes"
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

type sqliteAdmin struct {
	store *sqlite.Store
	path  string
}

func (a *sqliteAdmin) Init(ctx context.Context, w io.Writer) error {
	// Open already applied the schema.
	fmt.Fprintf(w, "✓ Schema ready in %s\n", a.path)
	return nil
}

func (a *sqliteAdmin) Status(ctx context.Context, w io.Writer) error {
	names, err := a.store.TypeNames(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "SQLite Persistence Status")
	fmt.Fprintln(w, "=========================")
	fmt.Fprintf(w, "Path:  %s\n", a.path)
	fmt.Fprintf(w, "Types: %d\n", len(names))
	return nil
}

func (a *sqliteAdmin) TypeNames(ctx context.Context) ([]string, error) {
	return a.store.TypeNames(ctx)
}

func (a *sqliteAdmin) Clear(ctx context.Context, typeName string) (int64, error) {
	return a.store.Delete(ctx, typeName)
}

func (a *sqliteAdmin) Close() error { return a.store.Close() }

type postgresAdmin struct {
	db     *postgres.DB
	config *postgres.Config
}

func (a *postgresAdmin) Init(ctx context.Context, w io.Writer) error {
	fmt.Fprintln(w, "Initializing PostgreSQL schema...")
	if err := a.db.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	fmt.Fprintln(w, "✓ Connected to database")

	if err := a.db.InitSchema(ctx); err != nil {
		return err
	}
	exists, err := a.tableExists(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify table %s: %w", propertiesTable, err)
	}
	if !exists {
		return fmt.Errorf("table '%s' was not created", propertiesTable)
	}
	fmt.Fprintf(w, "✓ Table '%s' ready\n", propertiesTable)
	return nil
}

func (a *postgresAdmin) Status(ctx context.Context, w io.Writer) error {
	fmt.Fprintln(w, "PostgreSQL Persistence Status")
	fmt.Fprintln(w, "=============================")
	if a.config.DSN == "" {
		fmt.Fprintf(w, "Host:       %s:%d\n", a.config.Host, a.config.Port)
		fmt.Fprintf(w, "Database:   %s\n", a.config.Database)
	}

	start := time.Now()
	if err := a.db.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	fmt.Fprintf(w, "Connection: ✓ (latency: %v)\n", time.Since(start))

	var version string
	if err := a.db.Connection().QueryRowContext(ctx, "SELECT version()").Scan(&version); err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	if len(version) > 80 {
		version = version[:77] + "..."
	}
	fmt.Fprintf(w, "Version:    %s\n", version)

	exists, err := a.tableExists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check table %s: %w", propertiesTable, err)
	}
	if !exists {
		fmt.Fprintf(w, "Table:      %s ✗ (does not exist, run 'init')\n", propertiesTable)
		return nil
	}
	var rows int64
	if err := a.db.Connection().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+propertiesTable).Scan(&rows); err != nil {
		return fmt.Errorf("failed to count rows: %w", err)
	}
	fmt.Fprintf(w, "Table:      %s ✓ (%d rows)\n", propertiesTable, rows)
	return nil
}

func (a *postgresAdmin) TypeNames(ctx context.Context) ([]string, error) {
	return a.db.TypeNames(ctx)
}

func (a *postgresAdmin) Clear(ctx context.Context, typeName string) (int64, error) {
	return a.db.DeleteProperties(ctx, typeName)
}

func (a *postgresAdmin) Close() error { return a.db.Close() }

func (a *postgresAdmin) tableExists(ctx context.Context) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public'
			AND table_name = $1
		)
	`
	err := a.db.Connection().QueryRowContext(ctx, query, propertiesTable).Scan(&exists)
	return exists, err
}
