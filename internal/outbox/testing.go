package outbox

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

const defaultTestServer = "host=localhost port=5432 user=edi password=edi sslmode=disable"

// SetupTestDB recreates the edi_test database and applies the outbox schema plus
// any extra schemas given. The test is skipped when no server is reachable.
// EDI_TEST_DATABASE_SERVER overrides the connection settings.
func SetupTestDB(t *testing.T, schemas ...string) *sql.DB {
	t.Helper()

	server := os.Getenv("EDI_TEST_DATABASE_SERVER")
	if server == "" {
		server = defaultTestServer
	}

	// Connect to the default database to create the test database
	db, err := sql.Open("postgres", server+" dbname=postgres")
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("Skipping test, PostgreSQL not available: %v", err)
	}

	if _, err = db.Exec(`DROP DATABASE IF EXISTS edi_test WITH (FORCE)`); err != nil {
		t.Fatalf("Failed to drop database: %v", err)
	}
	if _, err = db.Exec(`CREATE DATABASE edi_test`); err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	db.Close()

	db, err = sql.Open("postgres", server+" dbname=edi_test")
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	for _, schema := range append([]string{Schema}, schemas...) {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			t.Fatalf("Failed to apply schema: %v", err)
		}
	}

	t.Cleanup(func() { db.Close() })
	return db
}
