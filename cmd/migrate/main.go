package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"adminchat/internal/migrations"
	"adminchat/internal/security"
)

func main() {
	dbPath := flag.String("db", "./adminchat.db", "Path to the notification cache database")
	status := flag.Bool("status", false, "Print the schema version and pending migrations without applying them")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := run(*dbPath, *status, logger); err != nil {
		logger.Fatal(err)
	}
}

func run(dbPath string, statusOnly bool, logger *logrus.Logger) error {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return fmt.Errorf("invalid database path: %w", err)
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("database file not found: %s", dbPath)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if statusOnly {
		return printStatus(ctx, db)
	}

	applied, err := migrations.Apply(ctx, db, logger)
	if err != nil {
		return err
	}
	if applied == 0 {
		fmt.Println("Schema is up to date")
		return nil
	}
	fmt.Printf("Applied %d migration(s)\n", applied)
	return nil
}

func printStatus(ctx context.Context, db *sql.DB) error {
	current, err := migrations.Current(ctx, db)
	if err != nil {
		return err
	}
	all, err := migrations.Load()
	if err != nil {
		return err
	}

	fmt.Printf("Current schema version: %d\n", current)
	for _, m := range all {
		state := "applied"
		if m.Version > current {
			state = "pending"
		}
		fmt.Printf("  %03d %-30s %s\n", m.Version, m.Name, state)
	}
	return nil
}
