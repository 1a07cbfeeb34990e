package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ainp-network/broker/internal/agents"
	"github.com/ainp-network/broker/internal/antifraud"
	"github.com/ainp-network/broker/internal/cacheadapter"
	"github.com/ainp-network/broker/internal/config"
	"github.com/ainp-network/broker/internal/contacts"
	"github.com/ainp-network/broker/internal/discovery"
	"github.com/ainp-network/broker/internal/embedding"
	"github.com/ainp-network/broker/internal/httpapi"
	"github.com/ainp-network/broker/internal/identity"
	"github.com/ainp-network/broker/internal/incentive"
	"github.com/ainp-network/broker/internal/intents"
	"github.com/ainp-network/broker/internal/ledger"
	"github.com/ainp-network/broker/internal/mailbox"
	"github.com/ainp-network/broker/internal/negotiation"
	"github.com/ainp-network/broker/internal/observability/logging"
	"github.com/ainp-network/broker/internal/observability/metrics"
	"github.com/ainp-network/broker/internal/payments"
	"github.com/ainp-network/broker/internal/realtime"
	"github.com/ainp-network/broker/internal/reputation"
	"github.com/ainp-network/broker/internal/store"
	"github.com/ainp-network/broker/internal/streamadapter"
	"github.com/ainp-network/broker/internal/usefulness"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to broker configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("AINP_ENV"))
	slogger := logging.Setup("brokerd", env)
	logger := log.New(os.Stdout, "brokerd ", log.LstdFlags|log.Lmsgprefix)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	db, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	if err := db.Migrate(); err != nil {
		logger.Fatalf("migrate store: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatalf("connect redis: %v", err)
	}

	metricsReg := metrics.New()

	cache := cacheadapter.New(rdb, slogger, metricsReg)
	stream := streamadapter.New(rdb, slogger, metricsReg)

	agentRepo := store.NewAgentRepo(db)
	trustRepo := store.NewTrustRepo(db)
	usefulnessRepo := store.NewUsefulnessRepo(db)
	contactRepo := store.NewContactRepo(db)
	ledgerRepo := store.NewLedgerRepo(db)
	mailboxRepo := store.NewMailboxRepo(db)
	negotiationRepo := store.NewNegotiationRepo(db)
	paymentRepo := store.NewPaymentRepo(db)
	receiptRepo := store.NewReceiptRepo(db)
	reputationRepo := store.NewReputationRepo(db)
	discoveryRepo := store.NewDiscoveryRepo(db)

	idValidator := identity.NewValidator(agentRepo)

	embedder := embedding.New(embedding.Config{
		BaseURL: cfg.EmbeddingBaseURL,
		APIKey:  cfg.EmbeddingAPIKey,
		Model:   cfg.EmbeddingModel,
	}, cache)

	discEngine := discovery.New(embedder, cache, discoveryRepo, cfg.DiscoveryWeights, cfg.DiscoveryCandidateCount, metricsReg)

	contactSvc := contacts.New(contactRepo)
	creditLedger := ledger.New(ledgerRepo, metricsReg)
	antifraudGuard := antifraud.New(cache, contactSvc, creditLedger, cfg.AntiFraud, metricsReg)
	mailboxStore := mailbox.New(mailboxRepo)

	hub := realtime.NewHub()
	bridge := realtime.NewBridge(hub, stream, slogger)
	wsHandler := realtime.NewHandler(hub, bridge, slogger)

	newID := uuid.NewString
	agentSvc := agents.New(agentRepo, trustRepo, usefulnessRepo)

	router := intents.New(idValidator, antifraudGuard, cache, discEngine, stream, mailboxStore, contactSvc, hub,
		cfg.Flags, cfg.DefaultRateLimit, cfg.BroadcastFanout, metricsReg)

	incentiveDist := incentive.New(creditLedger, cfg.Incentive.PoolDID)
	negotiationEngine := negotiation.New(negotiationRepo, creditLedger, incentiveDist, metricsReg)

	usefulnessAgg := usefulness.New(usefulnessRepo)
	reputationEngine := reputation.New(receiptRepo, reputationRepo, usefulnessRepo, newID)

	paymentSvc := payments.New(paymentRepo, newID)

	srv := httpapi.New(httpapi.Config{
		Agents:            agentSvc,
		Discovery:         discEngine,
		Intents:           router,
		Negotiation:       negotiationEngine,
		Mailbox:           mailboxStore,
		Usefulness:        usefulnessAgg,
		Reputation:        reputationEngine,
		Payments:          paymentSvc,
		Realtime:          wsHandler,
		Flags:             cfg.Flags,
		NegotiationConfig: cfg.Negotiation,
		Store:             pingableStore{db},
		Cache:             pingableCache{rdb},
		Stream:            pingableCache{rdb},
		NewID:             newID,
	})

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("/metrics", metricsReg.Handler())

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopJobs := runBackgroundJobs(ctx, slogger, negotiationEngine, usefulnessAgg, reputationEngine, paymentSvc, stream)
	defer stopJobs()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	go func() {
		logger.Printf("listening on http://%s", listener.Addr())
		if serveErr := httpServer.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Fatalf("serve: %v", serveErr)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

// pingableStore satisfies httpapi.Ready for the store-backed readiness check.
type pingableStore struct{ db *store.Store }

func (p pingableStore) Ping() error {
	sqlDB, err := p.db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// pingableCache satisfies httpapi.Ready for the redis-backed readiness check.
type pingableCache struct{ rdb *redis.Client }

func (p pingableCache) Ping() error {
	return p.rdb.Ping(context.Background()).Err()
}

// runBackgroundJobs starts the periodic maintenance jobs named in §6/§9 and
// returns a function that stops them.
func runBackgroundJobs(
	ctx context.Context,
	log *slog.Logger,
	negotiationEngine *negotiation.Engine,
	usefulnessAgg *usefulness.Aggregator,
	reputationEngine *reputation.Engine,
	paymentSvc *payments.Service,
	stream *streamadapter.Adapter,
) func() {
	jobCtx, cancel := context.WithCancel(ctx)

	runEvery(jobCtx, time.Minute, func() {
		if n, err := negotiationEngine.ExpireStale(jobCtx); err != nil {
			log.Error("negotiation expire_stale failed", "error", err)
		} else if n > 0 {
			log.Info("expired stale negotiations", "count", n)
		}
	})
	runEvery(jobCtx, 5*time.Minute, func() {
		if n, err := usefulnessAgg.RefreshCache(jobCtx); err != nil {
			log.Error("usefulness refresh_cache failed", "error", err)
		} else if n > 0 {
			log.Info("refreshed usefulness cache", "count", n)
		}
	})
	runEvery(jobCtx, time.Minute, func() {
		if n, err := reputationEngine.FinalizePending(jobCtx); err != nil {
			log.Error("reputation finalize_pending failed", "error", err)
		} else if n > 0 {
			log.Info("finalized task receipts", "count", n)
		}
	})
	runEvery(jobCtx, time.Minute, func() {
		if n, err := paymentSvc.ExpireStale(jobCtx); err != nil {
			log.Error("payments expire_stale failed", "error", err)
		} else if n > 0 {
			log.Info("expired stale payment requests", "count", n)
		}
	})
	runEvery(jobCtx, time.Hour, func() {
		if n, err := stream.TrimAll(jobCtx); err != nil {
			log.Error("stream trim failed", "error", err)
		} else if n > 0 {
			log.Info("trimmed durable streams", "count", n)
		}
	})

	return cancel
}

// runEvery starts a goroutine that calls fn on every tick of interval until
// ctx is canceled, matching the teacher's ticker-loop idiom.
func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}
