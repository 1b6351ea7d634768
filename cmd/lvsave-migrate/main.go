// lvsave-migrate copies the save request journal from SQLite to PostgreSQL.
//
// Usage:
//
//	go run ./cmd/lvsave-migrate \
//	    -sqlite data/lvsave.db \
//	    -pg-host localhost \
//	    -pg-port 5432 \
//	    -pg-user lvsave \
//	    -pg-password lvsave \
//	    -pg-database lvsave
package main

import (
	"context"
	"flag"
	"log"

	"github.com/liveview/lvsave/internal/journal"
)

func main() {
	defaults := journal.DefaultPostgresConfig()

	sqlitePath := flag.String("sqlite", "data/lvsave.db", "Path to SQLite journal")
	pgHost := flag.String("pg-host", defaults.Host, "PostgreSQL host")
	pgPort := flag.Int("pg-port", defaults.Port, "PostgreSQL port")
	pgUser := flag.String("pg-user", defaults.User, "PostgreSQL user")
	pgPassword := flag.String("pg-password", "", "PostgreSQL password")
	pgDatabase := flag.String("pg-database", defaults.Database, "PostgreSQL database name")
	pgSSLMode := flag.String("pg-sslmode", defaults.SSLMode, "PostgreSQL SSL mode")
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	flag.Parse()

	log.Println("Journal Migration Tool")
	log.Println("======================")

	log.Printf("Opening SQLite journal: %s", *sqlitePath)
	src, err := journal.OpenExistingSQLite(*sqlitePath)
	if err != nil {
		log.Fatalf("Failed to open SQLite journal: %v", err)
	}
	defer src.Close()

	pg := defaults
	pg.Host = *pgHost
	pg.Port = *pgPort
	pg.User = *pgUser
	pg.Password = *pgPassword
	pg.Database = *pgDatabase
	pg.SSLMode = *pgSSLMode

	// Opening creates the schema, so the dry run leaves PostgreSQL untouched.
	var dst *journal.Journal
	if !*dryRun {
		log.Printf("Opening PostgreSQL journal: %s@%s:%d/%s", pg.User, pg.Host, pg.Port, pg.Database)
		dst, err = journal.Open(journal.Config{Driver: string(journal.DialectPostgres), Postgres: pg})
		if err != nil {
			log.Fatalf("Failed to open PostgreSQL journal: %v", err)
		}
		defer dst.Close()
	} else {
		log.Println("DRY RUN MODE - No changes will be made")
	}

	count, err := journal.Copy(context.Background(), dst, src, *dryRun)
	if err != nil {
		log.Fatalf("Migration failed after %d rows: %v", count, err)
	}

	log.Println("======================")
	log.Printf("Migration complete! Total rows migrated: %d", count)
	if *dryRun {
		log.Println("(DRY RUN - No actual changes were made)")
	}
}
