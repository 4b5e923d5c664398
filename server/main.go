package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"model-arena/server/arena"
	"model-arena/server/config"
	"model-arena/server/store"
	"model-arena/server/ticket"
)

func asBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	_ = godotenv.Load()

	var migrate bool
	for _, a := range os.Args[1:] {
		if a == "--migrate" {
			migrate = true
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close(context.Background())
	db.VoteRetries = cfg.VoteRetries

	if migrate || asBool(os.Getenv("AUTO_MIGRATE")) {
		if err := store.Migrate(context.Background(), db); err != nil {
			log.Fatal(err)
		}
		log.Println("migrated")
		if migrate {
			return
		}
	}

	signer, err := ticket.NewSigner(cfg.TicketSecret, time.Duration(cfg.TicketTTLMinutes)*time.Minute)
	if err != nil {
		log.Fatalf("ticket signer: %v", err)
	}

	eng := arena.New(db, signer, arena.Config{
		K:                cfg.EloK,
		ProvisionalVotes: cfg.ProvisionalVotes,
	})

	votes := newIPRateLimiter(cfg.VoteRatePerMinute, cfg.VoteBurst)
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      Router(eng, db, votes, cfg.HistoryLimit),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go watchSignals(cancel)
	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Printf("listening on http://localhost%s (Ctrl+C to stop)", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func watchSignals(cancel context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c
	cancel()
}
