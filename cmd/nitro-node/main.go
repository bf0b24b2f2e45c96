// Command nitro-node runs a wallet node against the chain simulator, serving
// peers over websockets and metrics over HTTP.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/erc7824/nitrowallet/chain"
	"github.com/erc7824/nitrowallet/config"
	"github.com/erc7824/nitrowallet/store"
	"github.com/erc7824/nitrowallet/transport"
	"github.com/erc7824/nitrowallet/wallet"
)

var log = logging.Logger("nitro-node")

// simulatorDSN backs the chain simulator when the store runs in memory.
const simulatorDSN = "file::memory:nitro-node?mode=memory&cache=shared"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("failed to load configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalw("node stopped", "error", err)
	}
	log.Info("node stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	signer, err := cfg.Signer()
	if err != nil {
		return err
	}
	participant := cfg.Participant(signer)

	backend, db, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	st, err := store.New(ctx, backend, cfg.ChainID)
	if err != nil {
		return err
	}
	if err := st.AddPrivateKey(ctx, signer); err != nil {
		return err
	}

	sim, err := chain.NewSimulator(db, cfg.ChainID)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engine := wallet.New(st, sim, wallet.WithMetrics(wallet.NewMetrics(reg)), wallet.WithLockTimeout(cfg.LockTimeout))
	defer engine.Close()

	node := transport.NewNode(participant, cfg.ChainID, signer, engine, st)
	defer node.Close()
	peers, err := cfg.PeerURLs()
	if err != nil {
		return err
	}
	for id, url := range peers {
		node.AddPeer(id, url)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", node.HandleWebSocket)
	servers := []*http.Server{{Addr: cfg.ListenAddr, Handler: mux}}
	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux})
	}

	log.Infow("starting node",
		"participant", participant,
		"address", signer.Address().Hex(),
		"chainID", cfg.ChainID,
		"listen", cfg.ListenAddr,
		"metrics", cfg.MetricsAddr,
		"peers", len(peers))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(ctx, node)
	})
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warnw("server shutdown failed", "addr", srv.Addr, "error", err)
			}
		}
		return nil
	})
	return g.Wait()
}

// openBackend returns the store backend and the database the chain
// simulator records holdings in.
func openBackend(cfg *config.Config) (store.Backend, *gorm.DB, error) {
	if cfg.DBDriver == "memory" {
		db, err := store.OpenDatabase("sqlite", simulatorDSN)
		if err != nil {
			return nil, nil, err
		}
		return store.NewMemoryBackend(), db, nil
	}

	db, err := store.OpenDatabase(cfg.DBDriver, cfg.DBURL)
	if err != nil {
		return nil, nil, err
	}
	backend, err := store.NewGormBackend(db)
	if err != nil {
		return nil, nil, err
	}
	return backend, db, nil
}
