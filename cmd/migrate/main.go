package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/ignite/segment-engine/internal/config"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	dsn := cfg.Database.URL
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	dir := "migrations"
	command := "up"
	for _, a := range os.Args[1:] {
		switch a {
		case "--list":
			command = "list"
		case "--status":
			command = "status"
		case "--down":
			command = "down"
		default:
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
	log.Println("Connected to database")

	if err := run(context.Background(), db, command, dir); err != nil {
		log.Fatalf("%s: %v", command, err)
	}
	log.Println("Migrations complete")
}

func run(ctx context.Context, db *sql.DB, command, dir string) error {
	if command == "list" {
		return listTables(db)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	switch command {
	case "status":
		return goose.StatusContext(ctx, db, dir)
	case "down":
		return goose.DownContext(ctx, db, dir)
	default:
		return goose.UpContext(ctx, db, dir)
	}
}

func listTables(db *sql.DB) error {
	rows, err := db.Query("SELECT tablename FROM pg_tables WHERE schemaname='public' AND tablename LIKE 'crm_%' ORDER BY tablename")
	if err != nil {
		return err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return err
		}
		fmt.Println(" ", t)
		n++
	}
	fmt.Printf("Total: %d tables\n", n)
	return rows.Err()
}
