package main

import (
	"context"
	"database/sql"
	"log"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/skaescobedo/AquaTrack/internal/api"
	"github.com/skaescobedo/AquaTrack/internal/forecast"
	"github.com/skaescobedo/AquaTrack/internal/ingest"
	"github.com/skaescobedo/AquaTrack/internal/store"
)

var cli struct {
	EnvFile   kongdotenv.ENVFileConfig `kong:"optional,name='env-file',help='Load environment variables from a file.'"`
	DB        string                   `help:"Path to the SQLite database." default:"data/cfre.db" env:"CFRE_DB"`
	Port      string                   `help:"HTTP server port." default:"8080" env:"CFRE_PORT"`
	Workers   int                      `help:"Reconciliation worker count." default:"4" env:"CFRE_WORKERS"`
	SweepSpec string                   `help:"Cron spec for the nightly reconciliation sweep." default:"30 2 * * *" env:"CFRE_SWEEP"`
	NoSweep   bool                     `help:"Disable the scheduled sweep (server only, for local dev)." env:"CFRE_NO_SWEEP"`
}

func main() {
	kong.Parse(&cli,
		kong.Name("cfre"),
		kong.Description("Cycle forecast reconciliation service for pond aquaculture."),
	)

	db, err := sql.Open("sqlite", cli.DB)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")
	db.Exec("PRAGMA foreign_keys=ON")

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("database migrated")

	manager := forecast.NewManager(st)
	engine := forecast.NewEngine(st, manager)
	queue := forecast.NewQueue(engine, st)
	svc := ingest.NewService(st, queue)
	server := api.NewServer(st, svc, manager, queue, cli.Port)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := queue.Run(ctx, cli.Workers); err != nil && err != context.Canceled {
			log.Printf("queue: %v", err)
		}
	}()

	if !cli.NoSweep {
		sweeper := ingest.NewSweeper(st, queue, cli.SweepSpec)
		if err := sweeper.Start(); err != nil {
			log.Fatalf("scheduler: %v", err)
		}
		defer sweeper.Stop()
	} else {
		log.Println("scheduled sweep disabled (--no-sweep)")
	}

	log.Printf("starting server on :%s", cli.Port)
	if err := server.Run(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
}
