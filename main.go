package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	alarmapp "tradedesk/internal/alarms/application"
	alarms "tradedesk/internal/alarms/domain"
	alarmhttp "tradedesk/internal/alarms/interfaces/http"
	alarmnotify "tradedesk/internal/alarms/notify"
	"tradedesk/internal/audit"
	"tradedesk/internal/auth"
	"tradedesk/internal/config"
	"tradedesk/internal/eventing"
	eventingmemory "tradedesk/internal/eventing/infrastructure/memory"
	eventingrepo "tradedesk/internal/eventing/infrastructure/postgres"
	"tradedesk/internal/observability/logging"
	"tradedesk/internal/observability/metrics"
	orderapp "tradedesk/internal/orders/application"
	orderevents "tradedesk/internal/orders/application/events"
	orders "tradedesk/internal/orders/domain"
	ordermemory "tradedesk/internal/orders/infrastructure/memory"
	orderrepo "tradedesk/internal/orders/infrastructure/postgres"
	ordershttp "tradedesk/internal/orders/interfaces/http"
	"tradedesk/internal/realtime"
	settlementapp "tradedesk/internal/settlement/application"
	settlementevents "tradedesk/internal/settlement/application/events"
	settlement "tradedesk/internal/settlement/domain"
	settlementmemory "tradedesk/internal/settlement/infrastructure/memory"
	settlementrepo "tradedesk/internal/settlement/infrastructure/postgres"
	settlementinterfaces "tradedesk/internal/settlement/interfaces"
	settlementhttp "tradedesk/internal/settlement/interfaces/http"
)

type outboxStore interface {
	eventing.OutboxStore
	eventing.OutboxWriter
}

// stores groups the persistence backends selected by configuration.
type stores struct {
	db          *sql.DB
	orders      orders.Repository
	ledger      settlement.Ledger
	receivables settlement.ReceivableStore
	outbox      outboxStore
	processed   eventing.ProcessedStore
	dlq         eventing.DLQStore
	audit       audit.Logger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, _ := logging.New(cfg.Log, "")

	st, err := openStores(cfg, logger)
	if err != nil {
		logger.Fatalf("storage error: %v", err)
	}
	if st.db != nil {
		defer st.db.Close()
	}
	metrics.Init(st.db, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Eventing: outbox rows are drained by the dispatcher onto the in-process bus.
	bus := eventing.NewInMemoryBus()
	registry := eventing.NewRegistry(
		orderevents.OrderStatusChanged{},
		orderevents.OrderUpdated{},
		settlementevents.SettlementBatchApplied{},
	)
	dispatcher := eventing.NewDispatcher(bus, st.outbox, registry, st.dlq, eventing.WithDispatcherLogger(logger))
	publisher := eventing.NewPublisher(st.outbox, dispatcher, cfg.DeskID, bus)

	projection, err := orderapp.NewProjection(st.orders, logger)
	if err != nil {
		logger.Fatalf("projection init error: %v", err)
	}

	completion, err := settlementapp.NewCompletionApplier(st.ledger, cfg.FundedAsset, logger,
		settlementapp.WithCompletionAudit(st.audit))
	if err != nil {
		logger.Fatalf("completion applier init error: %v", err)
	}

	broker := alarmhttp.NewSSEBroker()
	notifiers := []alarmapp.AlertNotifier{broker}
	if cfg.Notify.WebhookURL != "" {
		webhook, err := buildWebhookNotifier(cfg.Notify, cfg.DeskID, st.orders, logger)
		if err != nil {
			logger.Fatalf("alert webhook init error: %v", err)
		}
		notifiers = append(notifiers, webhook)
	}
	scheduler, err := alarmapp.NewScheduler(logger,
		alarmapp.WithNotifier(alarmnotify.NewMultiNotifier(notifiers...)),
		alarmapp.WithThresholds(alarms.Thresholds{Warning: cfg.Timers.Warning, Critical: cfg.Timers.Critical}),
		alarmapp.WithInterval(cfg.Timers.Tick),
	)
	if err != nil {
		logger.Fatalf("timer scheduler init error: %v", err)
	}

	orderService, err := orderapp.NewService(st.orders, projection, logger,
		orderapp.WithCompletion(completion),
		orderapp.WithTimers(scheduler),
		orderapp.WithPublisher(publisher),
		orderapp.WithAudit(st.audit),
		orderapp.WithDefaultTimerMinutes(cfg.Timers.DefaultTimerMinutes),
	)
	if err != nil {
		logger.Fatalf("order service init error: %v", err)
	}

	settler, err := settlementapp.NewBatchSettler(st.receivables, logger,
		settlementapp.WithBatchPublisher(settlementinterfaces.NewLoggingPublisher(logger,
			settlementinterfaces.NewOutboxPublisher(publisher, cfg.DeskID))),
		settlementapp.WithBatchAudit(st.audit),
	)
	if err != nil {
		logger.Fatalf("batch settler init error: %v", err)
	}

	hub := realtime.NewHub()
	orderChanged := eventing.EventTypeOf[orderevents.OrderStatusChanged]()
	orderUpdated := eventing.EventTypeOf[orderevents.OrderUpdated]()
	batchApplied := eventing.EventTypeOf[settlementevents.SettlementBatchApplied]()
	eventing.Subscribe(bus, orderChanged, "orders-projection", projection.HandleOrderChanged, st.processed)
	eventing.Subscribe(bus, orderUpdated, "orders-projection", projection.HandleOrderChanged, st.processed)
	eventing.Subscribe(bus, orderChanged, "realtime-hub", hub.HandleEvent, st.processed)
	eventing.Subscribe(bus, orderUpdated, "realtime-hub", hub.HandleEvent, st.processed)
	eventing.Subscribe(bus, batchApplied, "realtime-hub", hub.HandleEvent, st.processed)

	if err := projection.Load(ctx); err != nil {
		logger.Fatalf("projection load error: %v", err)
	}
	if err := orderService.SyncAllTimers(ctx); err != nil {
		logger.Fatalf("timer sync error: %v", err)
	}

	go dispatcher.Run(ctx, cfg.DispatchInterval)
	go scheduler.Run(ctx)
	go hub.Run(ctx)

	ordersHandler, err := ordershttp.NewHandler(orderService, logger)
	if err != nil {
		logger.Fatalf("orders handler init error: %v", err)
	}
	alarmsHandler, err := alarmhttp.NewHandler(scheduler, broker)
	if err != nil {
		logger.Fatalf("alarms handler init error: %v", err)
	}
	settlementHandler, err := settlementhttp.NewHandler(settler, st.audit, logger)
	if err != nil {
		logger.Fatalf("settlement handler init error: %v", err)
	}

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Route("/api/v1", func(r chi.Router) {
		ordersHandler.RegisterRoutes(r)
		alarmsHandler.RegisterRoutes(r)
		settlementHandler.RegisterRoutes(r)
		r.Handle("/orders/stream", realtime.NewHandler(hub, logger))
	})

	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), auth.NewDefaultPolicy(
		[]string{"/healthz", "/metrics"},
		nil,
	))
	authMiddleware.DeskID = cfg.DeskID
	authMiddleware.Logger = logger
	limiter := auth.NewRateLimiter(auth.RateLimit{PerMinute: cfg.HTTP.RatePerMinute, Burst: cfg.HTTP.RateBurst}, logger)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(withCORS(cfg.HTTP.CORSOrigins, authMiddleware.Wrap(limiter.Wrap(router))), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown error: %v", err)
		}
	}()

	logger.Printf("http server listening on %s (desk=%s storage=%s)", cfg.HTTPAddr, cfg.DeskID, cfg.Storage)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("http server error: %v", err)
	}
}

func openStores(cfg config.Config, logger *log.Logger) (stores, error) {
	if cfg.Storage == config.StorageMemory {
		ledger := settlementmemory.NewLedger()
		for _, id := range cfg.SeedAccounts {
			ledger.OpenAccount(id, decimal.Zero)
		}
		logger.Printf("storage: memory (accounts=%d)", len(cfg.SeedAccounts))
		return stores{
			orders:      ordermemory.NewOrderRepository(),
			ledger:      ledger,
			receivables: ledger,
			outbox:      eventingmemory.NewOutboxStore(),
			processed:   eventingmemory.NewProcessedStore(),
			dlq:         eventingmemory.NewDLQStore(),
			audit:       audit.NewMemoryLog(logger),
		}, nil
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return stores{}, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return stores{}, err
	}
	ledger := settlementrepo.NewLedgerRepository(db)
	return stores{
		db:          db,
		orders:      orderrepo.NewOrderRepository(db),
		ledger:      ledger,
		receivables: ledger,
		outbox:      eventingrepo.NewOutboxStore(db, eventingrepo.WithOutboxDesk(cfg.DeskID)),
		processed:   eventingrepo.NewProcessedStore(db),
		dlq:         eventingrepo.NewDLQStore(db),
		audit:       audit.NewRepository(db),
	}, nil
}

func buildWebhookNotifier(cfg config.Notify, deskID string, reader alarmnotify.OrderReader, logger *log.Logger) (*alarmnotify.Notifier, error) {
	channel, err := alarmnotify.NewWebhookChannel(cfg.WebhookURL,
		alarmnotify.WithDeskID(deskID),
		alarmnotify.WithSigningSecret(cfg.Secret),
		alarmnotify.WithRetry(cfg.Retries, time.Second))
	if err != nil {
		return nil, err
	}
	tpl, err := alarmnotify.NewTemplate(cfg.Template)
	if err != nil {
		return nil, err
	}
	return alarmnotify.NewNotifier(reader, channel, tpl,
		alarmnotify.WithLogger(logger),
		alarmnotify.WithEscalation(cfg.EscalateAt),
		alarmnotify.WithCooldown(cfg.Cooldown),
		alarmnotify.WithDedupeWindow(cfg.DedupeWindow),
		alarmnotify.WithRequestTimeout(cfg.Timeout),
		alarmnotify.WithOrderURLResolver(orderURLResolver(cfg.OrderBaseURL)),
	)
}

func orderURLResolver(baseURL string) alarmnotify.OrderURLResolver {
	if baseURL == "" {
		return nil
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return func(order *orders.Order) string {
		if order == nil || order.ID == "" {
			return ""
		}
		return baseURL + "/orders/" + order.ID
	}
}

// withCORS answers browser preflights before auth runs; they carry no token.
func withCORS(origins []string, next http.Handler) http.Handler {
	if len(origins) == 0 {
		return next
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})(next)
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps the alert event stream working behind the logging wrapper.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}
