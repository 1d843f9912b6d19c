package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"vecino.app/internal/migrate"
	"vecino.app/internal/obs"
)

func main() {
	log.SetFlags(0)
	dsn := flag.String("dsn", os.Getenv("VECINO_DATABASE_URL"), "PostgreSQL DSN")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or VECINO_DATABASE_URL")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|version]")
	}

	logger := obs.NewLogger(os.Stderr, "info", "text")
	mgr, err := migrate.NewManager(*dsn, migrate.WithLogger(logger))
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
	defer func() { _ = mgr.Close() }()

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up()
	case "down":
		err = mgr.Down()
	case "version":
		var (
			version    uint
			dirty, set bool
		)
		version, dirty, set, err = mgr.Version()
		if err == nil {
			if !set {
				fmt.Println("no migrations applied")
			} else {
				fmt.Printf("%d (dirty=%t)\n", version, dirty)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
