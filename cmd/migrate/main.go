package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lib/pq"
)

var engineTables = []string{
	"users", "scenarios", "clones", "email_campaigns",
	"email_recipients", "interactions", "phishing_credentials",
}

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	dir := "migrations"
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			dir = a
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}

	if listOnly {
		listTables(db)
		return
	}

	applied, failed := applyDir(db, dir)
	log.Printf("migrations: %d applied, %d failed", applied, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// listTables reports which of the engine's tables exist in the target
// database.
func listTables(db *sql.DB) {
	rows, err := db.Query(`SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename = ANY($1)
		ORDER BY tablename`, pq.Array(engineTables))
	if err != nil {
		log.Fatal(err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var t string
		rows.Scan(&t)
		present[t] = true
	}
	for _, t := range engineTables {
		state := "missing"
		if present[t] {
			state = "ok"
		}
		fmt.Printf("  %-22s %s\n", t, state)
	}
}

// applyDir runs every .sql file in dir in name order, each in its own
// transaction.
func applyDir(db *sql.DB, dir string) (applied, failed int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Fatalf("read migrations dir %s: %v", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			log.Fatalf("read %s: %v", f, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			log.Printf("%s: begin: %v", f, err)
			failed++
			continue
		}
		if _, err := tx.Exec(string(data)); err != nil {
			tx.Rollback()
			log.Printf("%s: %v", f, err)
			failed++
			continue
		}
		tx.Commit()
		log.Printf("%s: applied", f)
		applied++
	}
	return applied, failed
}
