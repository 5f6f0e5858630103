// The facilitator binary serves payment verification and settlement over
// HTTP for the networks it holds signing keys for.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	x402 "github.com/x402-foundation/x402-facilitator"
	x402http "github.com/x402-foundation/x402-facilitator/http"
	"github.com/x402-foundation/x402-facilitator/mechanisms/evm"
	"github.com/x402-foundation/x402-facilitator/mechanisms/starknet"
	"github.com/x402-foundation/x402-facilitator/mechanisms/svm"
	evmsigner "github.com/x402-foundation/x402-facilitator/signers/evm"
	svmsigner "github.com/x402-foundation/x402-facilitator/signers/svm"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("facilitator exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	facilitator := x402.NewFacilitator(x402.WithLogger(logger))

	for _, network := range cfg.EVMNetworks {
		rpcURL, err := cfg.EvmRPCURL(network)
		if err != nil {
			return err
		}

		var signer *evmsigner.Signer
		if cfg.EVMPrivateKey != "" {
			signer, err = evmsigner.NewSignerFromPrivateKey(ctx, rpcURL, cfg.EVMPrivateKey)
		} else {
			signer, err = evmsigner.NewSignerFromMnemonic(ctx, rpcURL, cfg.EVMMnemonic, cfg.EVMAccountIndex)
		}
		if err != nil {
			return err
		}
		defer signer.Close()

		caip := network
		if mapped, ok := evm.NetworkNameAliases[network]; ok {
			caip = mapped
		}
		facilitator.
			Register(x402.Network(caip), evm.NewExactEvmScheme(signer)).
			Register(x402.Network(caip), evm.NewUptoEvmScheme(signer))
		logger.Info("registered EVM network",
			"network", caip, "signer", signer.Addresses()[0], "rpc", rpcURL)
	}

	for _, network := range cfg.SVMNetworks {
		rpcURL, err := cfg.SvmRPCURL(network)
		if err != nil {
			return err
		}

		signer, err := svmsigner.NewSignerFromPrivateKey(rpcURL, cfg.SVMPrivateKey)
		if err != nil {
			return err
		}

		caip := network
		if mapped, ok := svm.NetworkNameAliases[network]; ok {
			caip = mapped
		}
		facilitator.Register(x402.Network(caip), svm.NewExactSvmScheme(signer))
		logger.Info("registered SVM network",
			"network", caip, "signer", signer.Address().String(), "rpc", rpcURL)
	}

	if len(cfg.StarknetNetworks) > 0 {
		paymaster, err := starknet.NewHTTPPaymaster(cfg.StarknetPaymasterURL, cfg.StarknetPaymasterAPIKey)
		if err != nil {
			return err
		}
		scheme := starknet.NewExactStarknetScheme(paymaster, cfg.StarknetAccounts)
		for _, network := range cfg.StarknetNetworks {
			caip := network
			if mapped, ok := starknet.NetworkNameAliases[network]; ok {
				caip = mapped
			}
			facilitator.Register(x402.Network(caip), scheme)
			logger.Info("registered Starknet network",
				"network", caip, "paymaster", cfg.StarknetPaymasterURL)
		}
	}

	store := x402.NewMemorySessionStore()
	sweeper := x402.NewSweeper(store, facilitator, x402.SweeperConfig{
		Interval: cfg.SweepInterval,
		Logger:   logger,
	})
	sweeper.Start(ctx)

	server, err := x402http.NewServer(facilitator,
		x402http.WithSessionStore(store),
		x402http.WithServerLogger(logger),
	)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("facilitator listening", "port", cfg.Port)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		sweeper.Stop()
		return err
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	sweeper.Stop()
	return nil
}
