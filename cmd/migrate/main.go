package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"github.com/NevinXuHui/KiroGate/internal/store"
)

func main() {
	var (
		dsn    = flag.String("dsn", "", "PostgreSQL connection string")
		action = flag.String("action", "up", "up, down, or version")
		steps  = flag.Int("steps", 1, "versions to roll back when action=down")
	)
	flag.Parse()

	if *dsn == "" {
		flag.Usage()
		os.Exit(2)
	}

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer db.Close()

	if err := run(db, *action, *steps); err != nil {
		log.WithError(err).Fatal("Migration failed")
	}
}

func run(db *sql.DB, action string, steps int) error {
	switch action {
	case "up":
		if err := store.MigrateUp(db); err != nil {
			return err
		}
		log.Info("Schema migrated to latest version")
	case "down":
		if err := store.MigrateDown(db, steps); err != nil {
			return err
		}
		log.WithField("steps", steps).Info("Schema rolled back")
	case "version":
		v, dirty, err := store.SchemaVersion(db)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{"version": v, "dirty": dirty}).Info("Schema version")
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	return nil
}
