package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"vinoteca/internal/models"
	"vinoteca/internal/repository"
)

func main() {
	var (
		userID string
		all    bool
	)

	flag.StringVar(&userID, "user-id", "", "rebuild history for a single tenant")
	flag.BoolVar(&all, "all", false, "rebuild history for every onboarded tenant")
	flag.Parse()

	if userID == "" && !all {
		log.Fatal("either --user-id or --all is required")
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = os.Getenv("DB_URL")
	}
	if databaseURL == "" {
		log.Fatal("DATABASE_URL or DB_URL is required")
	}

	repo, err := repository.NewRepository(databaseURL)
	if err != nil {
		log.Fatalf("failed to connect repository: %v", err)
	}
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := time.Now()

	var tenants []models.Tenant
	if all {
		tenants, err = repo.ListOnboardedTenants(ctx)
		if err != nil {
			log.Fatalf("[rebuild_history] tenant listing failed: %v", err)
		}
	} else {
		tenants = []models.Tenant{{UserID: userID}}
	}

	total := 0
	for _, tenant := range tenants {
		n, err := repo.RebuildHistory(ctx, tenant)
		if err != nil {
			log.Fatalf("[rebuild_history] tenant %s failed: %v", tenant.UserID, err)
		}
		log.Printf("[rebuild_history] tenant %s: %d aggregates rebuilt", tenant.UserID, n)
		total += n
	}

	log.Printf("[rebuild_history] done, %d aggregates in %s", total, time.Since(started).Truncate(time.Millisecond))
}
