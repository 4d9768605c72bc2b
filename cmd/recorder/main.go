// Command recorder runs a recorder node: a pool of recording engines
// fed by the gateway over a websocket connection.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/Run1e/STRIKER-sub000/internal/config"
	"github.com/Run1e/STRIKER-sub000/internal/gateway"
	"github.com/Run1e/STRIKER-sub000/internal/pool"
	"github.com/Run1e/STRIKER-sub000/internal/recorder"
)

var appLogger = log.New(os.Stdout, "recorder ", log.LstdFlags|log.LUTC)

func main() {
	cfg, err := config.LoadRecorder()
	if err != nil {
		appLogger.Fatalf("config load failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		appLogger.Fatalf("recorder runtime failed: %v", err)
	}
	appLogger.Println("recorder stopped cleanly")
}

func run(ctx context.Context, cfg config.Recorder) error {
	for _, dir := range []string{cfg.DemoDir, cfg.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	engines, err := newEnginePool(cfg)
	if err != nil {
		return err
	}

	pipeline := recorder.New(appLogger, engines, recorder.Config{
		DemoDir:     cfg.DemoDir,
		TempDir:     cfg.TempDir,
		UploadURL:   cfg.UploadURL,
		UploadToken: cfg.UploadToken,
		HTTPTimeout: cfg.HTTPTimeout,
	})

	client := gateway.NewClient(appLogger, pipeline, gateway.ClientConfig{
		URL:              cfg.GatewayURL,
		Token:            cfg.GatewayToken,
		Game:             cfg.Game,
		Workers:          cfg.Engines,
		ReconnectBackoff: cfg.ReconnectBackoff,
	})

	return client.Run(ctx)
}

// newEnginePool builds the engine pool. A crashed engine is replaced
// with a fresh instance so the pool keeps its size.
func newEnginePool(cfg config.Recorder) (*pool.Pool[recorder.Engine], error) {
	if cfg.Engine != "mock" {
		return nil, fmt.Errorf("unsupported ENGINE value: %s", cfg.Engine)
	}

	nextID := int64(cfg.Engines)
	engines := pool.New[recorder.Engine](appLogger, func(p *pool.Pool[recorder.Engine], e recorder.Engine, reason error) {
		appLogger.Printf("replacing crashed engine err=%v", reason)
		if err := e.Close(); err != nil {
			appLogger.Printf("engine close failed: %v", err)
		}
		p.Add(&recorder.MockEngine{ID: int(atomic.AddInt64(&nextID, 1))})
	})

	for i := 1; i <= cfg.Engines; i++ {
		engines.Add(&recorder.MockEngine{ID: i})
	}

	appLogger.Printf("engine pool ready provider=%s size=%d", cfg.Engine, cfg.Engines)
	return engines, nil
}
