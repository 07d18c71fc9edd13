// README: Entry point; wires stores and services behind the HTTP server.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scrapdispatch/internal/config"
	"scrapdispatch/internal/events"
	httptransport "scrapdispatch/internal/http"
	"scrapdispatch/internal/infra"
	"scrapdispatch/internal/maps"
	"scrapdispatch/internal/modules/candidate"
	"scrapdispatch/internal/modules/dispatch"
	"scrapdispatch/internal/modules/order"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DB.DSN == "" {
		log.Fatal("SCRAP_DB_DSN is required")
	}
	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal(err)
	}
	defer dbPool.Close()

	orderSvc := order.NewService(order.NewStore(dbPool))
	candidateSvc := candidate.NewService(candidate.NewStore(dbPool))

	deps := dispatch.Deps{
		Orders:     orderSvc,
		Candidates: candidateSvc,
		Committer:  orderSvc,
		Config:     cfg.Dispatch,
	}

	if cfg.Maps.APIKey != "" {
		routeSvc, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			log.Fatalf("maps init: %v", err)
		}
		deps.Estimator = routeSvc
	} else {
		log.Printf("op=main maps=disabled estimator=straight_line speed_kmh=%.0f", cfg.Dispatch.FallbackSpeedKmh)
		deps.Estimator = maps.NewStraightLine(cfg.Dispatch.FallbackSpeedKmh)
	}

	if cfg.Redis.Addr != "" {
		redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			log.Fatal(err)
		}
		defer redisClient.Close()
		deps.Idempotency = dispatch.NewRedisIdempotency(redisClient, cfg.Dispatch.IdempotencyTTL)
	}

	if cfg.AMQP.URL != "" {
		mq, err := infra.NewMQ(ctx, cfg.AMQP.URL)
		if err != nil {
			log.Fatal(err)
		}
		defer mq.Close()
		if err := mq.DeclareTopic(events.Exchange); err != nil {
			log.Fatalf("declare %s: %v", events.Exchange, err)
		}
		deps.Publisher = events.NewPublisher(mq)
	}

	dispatchSvc := dispatch.NewService(deps)
	go dispatchSvc.RunJanitor(ctx, time.Minute)

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: httptransport.NewRouter(dispatchSvc)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("op=main addr=%s status=listening", cfg.HTTP.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
