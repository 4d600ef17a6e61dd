// Package main provides the database migration CLI tool for ForgeSight.
//
// Migrations are embedded in the binary, so deployments need only the
// migrator and a DATABASE_URL.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/forgesight/forgesight/internal/config"
	"github.com/forgesight/forgesight/migrations"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "migrator"
)

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *showHelp || flag.NArg() < 1 {
		printUsage()
		os.Exit(0)
	}

	databaseURL := config.GetEnvStr("DATABASE_URL", "")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	defer func() { _ = db.Close() }()

	if err := executeCommand(flag.Arg(0), db); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

// executeCommand runs the specified migration command.
func executeCommand(command string, db *sql.DB) error {
	switch command {
	case "up":
		return migrations.Up(db)
	case "down":
		return migrations.Down(db)
	case "version":
		version, dirty, err := migrations.Version(db)
		if err != nil {
			return err
		}

		fmt.Printf("schema version: %d (dirty: %t)\n", version, dirty)

		return nil
	case "validate":
		if err := migrations.Validate(); err != nil {
			return err
		}

		fmt.Println("embedded migrations are valid")

		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// printUsage displays usage information.
func printUsage() {
	fmt.Printf(`%s v%s - Database Migration Tool for ForgeSight

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up        Apply all pending migrations
    down      Rollback the last migration
    version   Show current schema version
    validate  Validate the embedded migration set

OPTIONS:
    --help     Show this help message
    --version  Show version information

ENVIRONMENT VARIABLES:
    DATABASE_URL    PostgreSQL connection string (REQUIRED)
`, name, version, name)
}
