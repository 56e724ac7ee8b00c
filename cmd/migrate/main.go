package main

import (
	"flag"
	"fmt"
	"log"

	"stock-service/config"
	"stock-service/internal/store"
)

// Usage: migrate [up|down|status|redo|version] [args...]
func main() {
	flag.Parse()
	cfg := config.Load()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("goose: failed to connect to DB: %v", err)
	}
	defer db.Close()

	arguments := flag.Args()
	if len(arguments) == 0 {
		arguments = []string{"up"}
	}
	command := arguments[0]

	if err := store.RunMigrations(db.GetDB().DB, command, arguments[1:]...); err != nil {
		log.Fatalf("goose %v: %v", command, err)
	}

	fmt.Printf("goose %s success\n", command)
}
