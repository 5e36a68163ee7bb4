package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"restopos/backend/internal/audit"
	"restopos/backend/internal/cache"
	"restopos/backend/internal/config"
	"restopos/backend/internal/events"
	"restopos/backend/internal/gateway"
	"restopos/backend/internal/httpapi"
	"restopos/backend/internal/inventory"
	"restopos/backend/internal/order"
	"restopos/backend/internal/payment"
	"restopos/backend/internal/store"
	"restopos/backend/internal/store/memory"
	pgstore "restopos/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	stockCache := cache.StockCache(cache.NoopStockCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisStockCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop stock cache", err)
		} else {
			stockCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("stock cache: redis")
		}
	} else {
		log.Println("stock cache: noop")
	}

	publisher, publisherClose := newPublisher(cfg)
	if publisherClose != nil {
		closers = append(closers, publisherClose)
	}

	rec := audit.NewRecorder(repo, nil, cfg.BranchID)
	ledger := inventory.NewLedger(repo, inventory.Options{
		Cache:     stockCache,
		CacheTTL:  cfg.StockCacheTTL(),
		Publisher: publisher,
		Audit:     rec,
	})
	if drift, err := ledger.Reconcile(ctx); err != nil {
		log.Printf("[inventory] WARN: startup reconciliation failed: %v", err)
	} else if len(drift) > 0 {
		log.Printf("[inventory] WARN: corrected %d items whose stock drifted from the ledger", len(drift))
	}

	svc := httpapi.Services{
		Orders: order.NewService(repo, order.Options{
			Ledger:    ledger,
			Publisher: publisher,
			Audit:     rec,
			BranchID:  cfg.BranchID,
		}),
		Payments: payment.NewReconciler(repo, payment.Options{
			Policy:    payment.Policy{RestockOnRefund: cfg.RefundRestocksInventory},
			Restocker: ledger,
			Publisher: publisher,
			Audit:     rec,
			BranchID:  cfg.BranchID,
		}),
		Inventory: ledger,
		Gateway:   gateway.New(repo, gateway.Options{Publisher: publisher}),
		Audit:     repo,
		BranchID:  cfg.BranchID,
	}
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("restopos gateway listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}
	log.Println("server stopped")
}

// newPublisher connects to RabbitMQ when configured and otherwise logs events
// from an in-process bus.
func newPublisher(cfg config.Config) (events.Publisher, func() error) {
	if cfg.RabbitMQURL != "" {
		rabbit, err := events.NewRabbitPublisher(cfg.RabbitMQURL, cfg.EventsExchange)
		if err != nil {
			log.Printf("rabbitmq unavailable (%v), using in-process events", err)
		} else {
			if err := rabbit.DeclareQueue("restopos.kitchen", events.KindOrderStatusChanged); err != nil {
				log.Printf("[events] WARN: declare kitchen queue: %v", err)
			}
			if err := rabbit.DeclareQueue("restopos.stock-alerts", events.KindStockBelowThreshold); err != nil {
				log.Printf("[events] WARN: declare stock alert queue: %v", err)
			}
			log.Println("events: rabbitmq")
			return rabbit, rabbit.Close
		}
	}

	bus := events.NewBus()
	ch, unsubscribe := bus.Subscribe(64)
	go func() {
		for event := range ch {
			log.Printf("[events] %s branch=%s payload=%s", event.Kind, event.BranchID, event.Payload)
		}
	}()
	log.Println("events: in-process")
	return bus, func() error {
		unsubscribe()
		return nil
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects common, repeated-digit and sequential PINs.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "121212": true,
		"112233": true, "123123": true, "159753": true, "246810": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}
	return nil
}
