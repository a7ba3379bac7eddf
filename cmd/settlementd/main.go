// settlementd runs the sealed-bid settlement engine: it mirrors auction
// events from the chain stream, sweeps lifecycle deadlines, finalizes
// Vickrey settlements and reconciles the mirror after reorgs.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo"

	"github.com/chainbid/sealedauction/api"
	"github.com/chainbid/sealedauction/chain"
	"github.com/chainbid/sealedauction/config"
	"github.com/chainbid/sealedauction/core"
	"github.com/chainbid/sealedauction/lifecycle"
	"github.com/chainbid/sealedauction/mirror"
	"github.com/chainbid/sealedauction/obs"
	"github.com/chainbid/sealedauction/receipt"
	"github.com/chainbid/sealedauction/reconcile"
	"github.com/chainbid/sealedauction/store"
)

func main() {
	var (
		storeKind  = flag.String("store", "mem", "Record store backend: mem or postgres")
		pgDSN      = flag.String("pg-dsn", os.Getenv("SETTLEMENT_PG_DSN"), "Postgres DSN when --store=postgres")
		listen     = flag.String("listen", ":8080", "Listen address for the read API")
		logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn or error")
		receiptKey = flag.String("receipt-key", os.Getenv("SETTLEMENT_RECEIPT_KEY"), "Hex-encoded Ed25519 seed for receipt signing (ephemeral key when empty)")
	)
	flag.Parse()

	if err := run(*storeKind, *pgDSN, *listen, *logLevel, *receiptKey); err != nil {
		fmt.Fprintf(os.Stderr, "settlementd: %v\n", err)
		os.Exit(1)
	}
}

func run(storeKind, pgDSN, listen, logLevel, receiptKeyHex string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", logLevel)
	}
	logger := obs.NewLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := openStore(ctx, storeKind, pgDSN)
	if err != nil {
		return err
	}
	if closer, ok := kv.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	records := store.NewRecords(kv)
	cfg := config.NewService(records, logger)
	ranking := core.NewRankingBook()

	m := mirror.New(records, ranking, logger)

	controller := lifecycle.NewController(records, ranking, cfg, logger)
	m.SetGate(controller)
	m.AddSink(controller)
	m.SetRevealPolicy(lifecycle.NewFloorPolicy(cfg))

	signer, err := newReceiptSigner(records, receiptKeyHex, logger)
	if err != nil {
		return err
	}
	controller.SetReceiptEmitter(signer)

	// The local client is a stand-in chain source; deployments replace it
	// with a client for their node's event feed.
	client := chain.NewMockClient()

	supervisor := reconcile.NewSupervisor(m, client, cfg, logger)
	supervisor.Start(ctx)
	m.SetAnomalyReporter(supervisor)

	readAPI := api.NewService(records, m, controller, supervisor, logger)
	e := echo.New()
	e.HideBanner = true
	readAPI.RegisterRoutes(e)

	logger.Info("settlement engine starting", "store", storeKind, "listen", listen)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := e.Start(listen); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
			logger.Error("read API stopped", "err", err)
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		if err := m.Run(ctx, client); err != nil && ctx.Err() == nil {
			logger.Error("event ingestion stopped", "err", err)
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		if err := controller.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("lifecycle sweep stopped", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("read API shutdown failed", "err", err)
	}
	wg.Wait()
	supervisor.Wait()
	logger.Info("settlement engine stopped")
	return nil
}

func openStore(ctx context.Context, kind, dsn string) (store.KV, error) {
	switch strings.ToLower(kind) {
	case "mem":
		return store.NewMemKV(), nil
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("--store=postgres requires --pg-dsn or SETTLEMENT_PG_DSN")
		}
		return store.OpenPg(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
}

func newReceiptSigner(records *store.Records, keyHex string, logger *slog.Logger) (*receipt.Signer, error) {
	if keyHex == "" {
		logger.Warn("no receipt key configured, generating an ephemeral key")
		return receipt.NewEphemeralSigner(records, logger)
	}
	seed, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("receipt key must be a %d-byte hex seed", ed25519.SeedSize)
	}
	return receipt.NewSigner(records, ed25519.NewKeyFromSeed(seed), logger)
}
