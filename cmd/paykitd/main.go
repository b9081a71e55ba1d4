package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paykit/autopay"
	"paykit/channel"
	"paykit/config"
	"paykit/crypto"
	"paykit/directory"
	"paykit/events"
	"paykit/nonce"
	"paykit/observability/logging"
	"paykit/receipts"
	"paykit/storage"
	"paykit/subscriptions"
	"paykit/types"
)

const keystorePassEnv = "PAYKIT_KEYSTORE_PASS"

func main() {
	configFile := flag.String("config", "./paykit.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("PAYKIT_ENV"))
	logger := logging.Setup("paykitd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", "error", err.Error())
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		logger.Error("failed to create data dir", "error", err.Error())
		os.Exit(1)
	}

	identity, err := crypto.LoadOrCreateIdentity(cfg.KeystorePath, os.Getenv(keystorePassEnv))
	if err != nil {
		logger.Error("failed to open keystore", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("identity loaded", "pubkey", identity.Pubkey().String())

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "db"))
	if err != nil {
		logger.Error("failed to open database", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()
	store := storage.NewStore(db)

	nonces := nonce.NewStore(time.Duration(cfg.SignatureLifetimeSecs) * time.Second)
	defer nonces.Close()

	emitter := events.NewChanEmitter(256)
	go drainEvents(emitter, logger)

	dir := directory.NewClient(directory.NewHTTPTransport(cfg.DirectoryBaseURL, nil))

	staticKey, err := channel.GenerateStaticKey()
	if err != nil {
		logger.Error("failed to generate channel static key", "error", err.Error())
		os.Exit(1)
	}
	chanCfg := channel.Config{
		Static:        staticKey,
		Identity:      identity,
		MaxFrameBytes: int(cfg.MaxFrameBytes),
	}

	endpoints := receipts.NewEndpointTable(store, emitter)
	engine := receipts.NewEngine(
		identity.Pubkey(),
		store,
		endpoints,
		receipts.GeneratorFunc(placeholderGenerator),
		time.Duration(cfg.ReceiptTimeoutSecs)*time.Second,
		logger,
	)
	payer := receipts.NewPayer(engine, dir, chanCfg)

	subs := subscriptions.NewManager(identity, store, dir, nonces, emitter, logger)

	accountant := autopay.NewAccountant(store)
	apEngine := autopay.NewEngine(store, store, accountant, payer, emitter, logger)
	monitor := autopay.NewMonitor(apEngine, time.Duration(cfg.MonitorIntervalSecs)*time.Second, logger)

	mux := channel.NewMux(logger)
	mux.Register(engine,
		channel.MsgTypeReceiptRequest,
		channel.MsgTypePrivateEndpointOffer,
	)
	mux.Register(subs,
		channel.MsgTypeSubscriptionProposal,
		channel.MsgTypeSubscriptionAcceptance,
		channel.MsgTypeSubscriptionCancel,
	)

	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Error("failed to bind listener", "error", err.Error())
		os.Exit(1)
	}
	listener := channel.NewListener(ln, chanCfg, channel.ListenerConfig{
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutSecs) * time.Second,
		PerIPRate:        cfg.RatePerIP,
		PerIPBurst:       cfg.BurstPerIP,
		GlobalRate:       cfg.RateGlobal,
		GlobalBurst:      cfg.BurstGlobal,
	}, mux, logger)
	logger.Info("channel listener up", "endpoint", listener.Endpoint())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddress != "" {
		go serveMetrics(ctx, cfg.MetricsAddress, logger)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- listener.Serve(ctx) }()
	go func() { errCh <- monitor.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("component failed", "error", err.Error())
		}
	}
	logger.Info("shutting down")
}

func drainEvents(emitter *events.ChanEmitter, logger *slog.Logger) {
	for event := range emitter.C {
		logger.Info("engine event", "type", event.EventType())
	}
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	srv := &http.Server{Addr: addr, Handler: promhttp.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics server failed", "error", err.Error())
	}
}

// placeholderGenerator stands in until a real rail integration is wired.
// It refuses so peers see a clean generator failure instead of a fake
// invoice.
func placeholderGenerator(_ context.Context, _ types.Receipt) (string, error) {
	return "", fmt.Errorf("no invoice generator configured")
}
