// README: Entry point; loads config, wires services, starts HTTP server and background tickers.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"housecall/internal/config"
	httptransport "housecall/internal/http"
	"housecall/internal/infra"
	"housecall/internal/maps"
	"housecall/internal/modules/assignment"
	"housecall/internal/modules/availability"
	"housecall/internal/modules/dispute"
	"housecall/internal/modules/job"
	"housecall/internal/modules/ledger"
	"housecall/internal/modules/pricing"
	"housecall/internal/modules/settlement"
	"housecall/internal/modules/ticket"
	"housecall/internal/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal(err)
	}
	defer dbPool.Close()

	redisClient := infra.NewRedis(cfg.Redis.Addr)
	defer redisClient.Close()

	var publisher notify.Publisher = notify.NopPublisher{}
	broker, err := infra.NewAMQP(cfg.AMQP.URL, cfg.AMQP.Queue)
	if err != nil {
		log.Printf("amqp unavailable, notifications disabled: %v", err)
	} else {
		defer broker.Close()
		publisher = notify.NewQueuePublisher(broker.Channel, cfg.AMQP.Queue)
	}

	pricingSvc := pricing.NewService(pricing.NewStore(dbPool))
	ticketSvc := ticket.NewService(ticket.NewStore(dbPool))

	jobStore := job.NewStore(dbPool)
	assignmentSvc := assignment.NewService(assignment.NewStore(dbPool), jobStore)

	ledgerSvc := ledger.NewService(ledger.NewStore(dbPool), ticketSvc.Store(),
		cfg.Ledger.AllowRebuild, cfg.Ledger.EvidenceDir)

	disputeStore := dispute.NewStore(dbPool)
	disputeSvc := dispute.NewService(disputeStore, assignmentSvc.Store(), ledgerSvc, publisher)

	jobSvc := job.NewService(jobStore, ticketSvc, assignmentSvc, ledgerSvc, pricingSvc, disputeStore, publisher)

	availabilitySvc := availability.NewService(availability.NewStore(redisClient), cfg.Availability)
	jobSvc.SetCandidateFinder(availabilitySvc)

	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			log.Printf("maps unavailable, broadcast ETAs disabled: %v", err)
		} else {
			jobSvc.SetRouteEstimator(routes)
		}
	}

	settlementSvc := settlement.NewService(settlement.NewStore(dbPool), ledgerSvc, publisher)

	handler := httptransport.NewRouter(httptransport.RouterDeps{
		DB:           dbPool,
		Redis:        redisClient,
		Jobs:         jobSvc,
		Availability: availabilitySvc,
		Disputes:     disputeSvc,
		Ledger:       ledgerSvc,
		Settlements:  settlementSvc,
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, handler)

	go runTicker(ctx, time.Duration(cfg.Tick.OnDemandSeconds)*time.Second, func(now time.Time) {
		if _, err := jobSvc.TickOnDemand(ctx, now, 100); err != nil {
			log.Printf("on-demand tick: %v", err)
		}
	})
	go runTicker(ctx, time.Duration(cfg.Tick.MarketplaceSeconds)*time.Second, func(now time.Time) {
		if _, err := jobSvc.TickMarketplace(ctx, now, 100); err != nil {
			log.Printf("marketplace tick: %v", err)
		}
	})
	go runTicker(ctx, time.Duration(cfg.Tick.HoldSweepSeconds)*time.Second, func(now time.Time) {
		if _, err := jobSvc.ReleaseExpiredHolds(ctx, now); err != nil {
			log.Printf("hold sweep: %v", err)
		}
	})
	go runTicker(ctx, time.Duration(cfg.Tick.AutoConfirmMinutes)*time.Minute, func(now time.Time) {
		if _, err := jobSvc.AutoConfirmCompleted(ctx, now, 200); err != nil {
			log.Printf("auto-confirm sweep: %v", err)
		}
	})
	go runTicker(ctx, time.Duration(cfg.Tick.DisputeSweepMinutes)*time.Minute, func(now time.Time) {
		if _, err := disputeSvc.AutoResolve(ctx, now, 100, false); err != nil {
			log.Printf("dispute auto-resolve: %v", err)
		}
	})
	// settlements run on a coarse clock: generation after each week closes,
	// payouts whenever one comes due
	go runTicker(ctx, time.Hour, func(now time.Time) {
		if _, err := settlementSvc.GenerateWeekly(ctx, now); err != nil {
			log.Printf("weekly settlement: %v", err)
		}
		if _, err := settlementSvc.PayoutSweep(ctx, now, 500, false); err != nil {
			log.Printf("payout sweep: %v", err)
		}
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("listening on %s", cfg.HTTP.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func runTicker(ctx context.Context, every time.Duration, fn func(now time.Time)) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fn(now.UTC())
		}
	}
}
