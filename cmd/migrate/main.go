package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/meridian/backend/internal/infrastructure/config"
	"github.com/meridian/backend/internal/infrastructure/logger"
	"github.com/meridian/backend/internal/infrastructure/migration"
)

const defaultMigrationsPath = "migrations"

// The control-plane schema and the regional usage partitions migrate
// independently. -target core applies migrations/core to the primary
// database; -target regional applies migrations/regional to one
// partition picked with -region, or to every configured partition.
func main() {
	var (
		migrationsPath string
		target         string
		regionCode     string
		logLevel       string
	)

	flag.StringVar(&migrationsPath, "path", "", "Path to migrations directory (default: ./migrations)")
	flag.StringVar(&target, "target", "core", "Migration target: core or regional")
	flag.StringVar(&regionCode, "region", "", "Region code for -target regional (default: all configured regions)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	command := args[0]

	log, err := logger.New(&logger.Config{
		Level:      logLevel,
		Format:     "console",
		Output:     "stdout",
		TimeFormat: "2006-01-02 15:04:05",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	if target != "core" && target != "regional" {
		log.Fatal("Unknown target", zap.String("target", target))
	}

	if migrationsPath == "" {
		migrationsPath = defaultMigrationsPath
	}
	migrationsPath = filepath.Join(migrationsPath, target)
	absPath, err := filepath.Abs(migrationsPath)
	if err != nil {
		log.Fatal("Failed to get absolute path", zap.Error(err))
	}
	migrationsPath = absPath

	log.Info("Migration CLI started",
		zap.String("command", command),
		zap.String("target", target),
		zap.String("migrations_path", migrationsPath),
	)

	// create and list work without a database connection
	if command == "create" {
		if len(args) < 2 {
			log.Fatal("Migration name required. Usage: migrate create <name> [description]")
		}
		description := ""
		if len(args) > 2 {
			description = args[2]
		}

		mf, err := migration.CreateMigration(migrationsPath, args[1], description)
		if err != nil {
			log.Fatal("Failed to create migration", zap.Error(err))
		}

		log.Info("Migration created",
			zap.String("version", mf.Version),
			zap.String("up_file", mf.UpPath),
			zap.String("down_file", mf.DownPath),
		)
		return
	}
	if command == "list" {
		migrations, err := migration.ListMigrations(migrationsPath)
		if err != nil {
			log.Fatal("Failed to list migrations", zap.Error(err))
		}
		if len(migrations) == 0 {
			log.Info("No migrations found")
			return
		}
		log.Info("Available migrations", zap.Int("count", len(migrations)))
		for _, m := range migrations {
			fmt.Println("  -", m)
		}
		return
	}

	for _, dst := range targetDSNs(cfg, target, regionCode, log) {
		if err := runAgainst(dst.dsn, migrationsPath, command, args, log.With(zap.String("database", dst.name))); err != nil {
			log.Fatal("Migration failed", zap.String("database", dst.name), zap.Error(err))
		}
	}
}

type namedDSN struct {
	name string
	dsn  string
}

func targetDSNs(cfg *config.Config, target, regionCode string, log *zap.Logger) []namedDSN {
	if target == "core" {
		return []namedDSN{{name: "core", dsn: cfg.Database.DSN()}}
	}

	if regionCode != "" {
		dsn := cfg.RegionDSN(regionCode)
		if dsn == "" {
			log.Fatal("No DSN configured for region", zap.String("region", regionCode))
		}
		return []namedDSN{{name: regionCode, dsn: dsn}}
	}

	var dsns []namedDSN
	for _, code := range cfg.Regions.Codes {
		dsn := cfg.RegionDSN(code)
		if dsn == "" {
			log.Warn("Skipping region without DSN", zap.String("region", code))
			continue
		}
		dsns = append(dsns, namedDSN{name: code, dsn: dsn})
	}
	if len(dsns) == 0 {
		log.Fatal("No regional DSNs configured")
	}
	return dsns
}

func runAgainst(dsn, migrationsPath, command string, args []string, log *zap.Logger) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping: %w", err)
	}

	m, err := migration.New(db, migrationsPath, log)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	switch command {
	case "up":
		return m.Up()

	case "down":
		return m.Down()

	case "step":
		if len(args) < 2 {
			return fmt.Errorf("step count required")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid step count %q", args[1])
		}
		return m.Steps(n)

	case "goto":
		if len(args) < 2 {
			return fmt.Errorf("version required")
		}
		version, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}
		return m.GoTo(uint(version))

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		if version == 0 {
			log.Info("No migrations applied")
		} else {
			log.Info("Current migration version",
				zap.Uint("version", version),
				zap.Bool("dirty", dirty),
			)
		}
		return nil

	case "force":
		if len(args) < 2 {
			return fmt.Errorf("version required")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}
		log.Warn("Forcing migration version - use with caution!")
		return m.Force(version)

	case "drop":
		confirm := false
		for _, arg := range args[1:] {
			if arg == "-confirm" || arg == "--confirm" {
				confirm = true
				break
			}
		}
		if !confirm {
			return fmt.Errorf("drop cancelled, use 'migrate drop -confirm' to confirm")
		}
		return m.Drop()

	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func printUsage() {
	fmt.Println(`Meridian Database Migration Tool

Usage:
  migrate [flags] <command> [arguments]

Commands:
  up                    Apply all pending migrations
  down                  Roll back all migrations
  step <n>              Apply n migrations (positive=up, negative=down)
  goto <version>        Migrate to a specific version
  version               Show current migration version
  force <version>       Force set migration version (use with caution)
  drop -confirm         Drop all database objects (DANGEROUS)
  create <name> [desc]  Create a new migration file pair
  list                  List available migrations

Flags:
  -path string          Path to migrations directory (default: ./migrations)
  -target string        core or regional (default: core)
  -region string        Region code for regional target (default: all)
  -log-level string     Log level: debug, info, warn, error (default: info)

Examples:
  # Apply the control-plane schema
  migrate up

  # Apply the usage partition schema to every configured region
  migrate -target regional up

  # Apply it to one region only
  migrate -target regional -region eu-west up

  # Check the control-plane version
  migrate version`)
}
