// Seeder applies the schema migration and loads the development seed
// rows. It is a local-setup convenience, not a migration tool: the
// migration file runs as-is and errors on an already-applied schema are
// reported and skipped.
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "github.com/lib/pq"
)

func main() {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = fromDotEnv("DATABASE_URL")
	}
	if databaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal("ping failed: ", err)
	}

	fmt.Println("Running migrations...")
	migration, err := readFirst(
		"migrations/001_initial_schema.up.sql",
		"../../migrations/001_initial_schema.up.sql",
	)
	if err != nil {
		log.Fatal("migration file not found: ", err)
	}

	// lib/pq runs the whole file in one Exec.
	if _, err := db.Exec(string(migration)); err != nil {
		log.Printf("migration skipped (schema likely already applied): %v", err)
	} else {
		fmt.Println("Migrations applied")
	}

	fmt.Println("Seeding data...")
	seed, err := readFirst("test_seed.sql", "../../test_seed.sql")
	if err != nil {
		log.Fatal(err)
	}

	// The seed file is plain single-statement inserts, so splitting on
	// semicolons is enough.
	for _, stmt := range strings.Split(string(seed), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			fmt.Printf("statement failed: %v\n%s\n", err, stmt)
		}
	}

	fmt.Println("Seeding complete")
}

// fromDotEnv pulls a single key out of a local .env file, for running the
// seeder without exporting anything.
func fromDotEnv(key string) string {
	data, err := os.ReadFile(".env")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, key+"="); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// readFirst returns the first path that reads successfully, so the seeder
// works from the repo root and from cmd/seeder alike.
func readFirst(paths ...string) ([]byte, error) {
	var err error
	for _, p := range paths {
		var data []byte
		if data, err = os.ReadFile(p); err == nil {
			return data, nil
		}
	}
	return nil, err
}
