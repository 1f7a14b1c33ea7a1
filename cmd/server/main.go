package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"settlerails/internal/authz"
	"settlerails/internal/chain"
	"settlerails/internal/config"
	"settlerails/internal/executor"
	"settlerails/internal/metrics"
	"settlerails/internal/payout"
	"settlerails/internal/reconcile"
	"settlerails/internal/refund"
	"settlerails/internal/screening"
	"settlerails/internal/server"
	"settlerails/internal/settlement"
	"settlerails/internal/store"
	"settlerails/internal/verify"
)

var (
	devRelayer  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	devDelegate = common.HexToAddress("0x63c0c19a282a1B52b07dD5a65b58948A07DAE32B")
	// every account on the in-memory chain starts with this many tokens
	devFaucet = decimal.NewFromInt(1_000_000)
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if err := run(logger); err != nil {
		logger.Error("server exited", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	ctx := context.Background()

	chainClient, err := buildChain(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if c, ok := chainClient.(interface{ Close() }); ok {
		defer c.Close()
	}

	st, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	gateway, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}

	denyList, err := screening.LoadDenyList(cfg.Screening.DenyListPath)
	if err != nil {
		return fmt.Errorf("deny list: %w", err)
	}
	logger.Info("screening loaded", slog.Int("entries", denyList.Len()))

	reg := metrics.New()
	queue := reconcile.NewFileQueue(cfg.Service.ReconcileDir, logger)
	queue.OnDepth = reg.SetReconcileDepth
	reg.SetReconcileDepth(queue.Depth())

	authorizer := authz.NewVerifier(chainClient, authz.VerifierConfig{
		Token:           cfg.Chain.Token,
		TokenName:       cfg.Chain.TokenName,
		TokenVersion:    cfg.Chain.TokenVersion,
		TokenDecimals:   cfg.Chain.TokenDecimals,
		Treasury:        cfg.Chain.Treasury,
		Delegate:        cfg.Chain.Delegate,
		DelegateName:    cfg.Chain.DelegateName,
		DelegateVersion: cfg.Chain.DelegateVersion,
	})
	exec := executor.New(chainClient, executor.Config{
		Token:          cfg.Chain.Token,
		Delegate:       cfg.Chain.Delegate,
		DelegationPoll: cfg.Retry.Delegation.Policy(),
	}, logger)
	verifier := verify.New(chainClient, verify.Config{
		Token:       cfg.Chain.Token,
		Decimals:    cfg.Chain.TokenDecimals,
		Tolerance:   cfg.Settlement.Tolerance,
		ReceiptPoll: cfg.Retry.Receipt.Policy(),
	}, logger)
	refunds := refund.New(chainClient, verifier, st, refund.Config{
		Token:                     cfg.Chain.Token,
		Decimals:                  cfg.Chain.TokenDecimals,
		InboundCheck:              cfg.Retry.InboundCheck.Policy(),
		RefundOnUnverifiedInbound: cfg.Settlement.RefundOnUnverifiedInbound,
	}, logger)

	orchestrator := settlement.NewOrchestrator(settlement.Config{
		ChainID:                   big.NewInt(cfg.Chain.ChainID),
		Token:                     cfg.Chain.Token,
		Decimals:                  cfg.Chain.TokenDecimals,
		Treasury:                  cfg.Chain.Treasury,
		FiatPerToken:              cfg.Settlement.FiatPerToken,
		NetworkFee:                cfg.Settlement.NetworkFee,
		GateDelegatedVerification: cfg.Settlement.GateDelegatedVerification,
		AutoRefund:                cfg.Settlement.AutoRefund,
		PayoutRetry:               cfg.Retry.Payout.Policy(),
		PayoutPoll:                cfg.Retry.PayoutPoll.Policy(),
	}, settlement.Deps{
		Authorizer: authorizer,
		Executor:   exec,
		Verifier:   verifier,
		Payouts:    gateway,
		Refunds:    refunds,
		Repo:       st,
		Queue:      queue,
		Metrics:    reg,
		Logger:     logger,
	})

	deps := server.Deps{
		Settler:    orchestrator,
		Preparer:   authorizer,
		Screener:   denyList,
		Responses:  st,
		Metrics:    reg,
		QueueDepth: queue.Depth,
		DBHealth:   st.Ping,
		Logger:     logger,
	}
	if hc, ok := chainClient.(chain.HealthChecker); ok {
		deps.RPCHealth = hc.Ping
	}
	apiServer := server.NewServer(cfg, deps)

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-ch:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}

// buildChain dials the node when a relayer key is configured and otherwise
// runs against an in-memory chain. Refunds are sent from the relayer, so the
// treasury has to be the relayer account.
func buildChain(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (chain.Client, error) {
	var (
		client  chain.Client
		relayer common.Address
	)

	if cfg.Chain.RelayerKey != "" {
		eth, err := chain.NewEthClient(ctx, chain.EthClientConfig{
			RPCURL:          cfg.Chain.RPCURL,
			PrivateKeyHex:   cfg.Chain.RelayerKey,
			ExpectedChainID: cfg.Chain.ChainID,
			MinPriorityFee:  cfg.Chain.MinPriorityFee,
			SetCodeGasLimit: cfg.Chain.SetCodeGas,
			RPCTimeout:      cfg.Chain.RPCTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("chain client: %w", err)
		}
		client, relayer = eth, eth.Address()
		logger.Info("chain client connected", slog.String("rpc", cfg.Chain.RPCURL), slog.String("relayer", relayer.Hex()))
	} else {
		if cfg.Chain.Delegate == (common.Address{}) {
			cfg.Chain.Delegate = devDelegate
		}
		fake := chain.NewFakeClient(cfg.Chain.ChainID, cfg.Chain.Token, devRelayer)
		fake.DefaultBalance = chain.ToBaseUnits(devFaucet, cfg.Chain.TokenDecimals)
		fake.SetCode(cfg.Chain.Delegate, []byte{0x60, 0x80, 0x60, 0x40})
		client, relayer = fake, devRelayer
		logger.Warn("no relayer key configured, using in-memory chain")
	}

	if cfg.Chain.Treasury == (common.Address{}) {
		cfg.Chain.Treasury = relayer
	}
	if cfg.Chain.Treasury != relayer {
		return nil, fmt.Errorf("treasury %s must be the relayer account %s", cfg.Chain.Treasury.Hex(), relayer.Hex())
	}
	return client, nil
}

func buildStore(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (store.Store, error) {
	switch {
	case cfg.Database.PostgresDSN != "":
		pg, err := store.NewPostgresStore(ctx, cfg.Database.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		logger.Info("using postgres store")
		return pg, nil
	case cfg.Database.FilePath != "":
		fs, err := store.NewFileStore(cfg.Database.FilePath)
		if err != nil {
			return nil, fmt.Errorf("file store: %w", err)
		}
		logger.Info("using file store", slog.String("path", cfg.Database.FilePath))
		return fs, nil
	default:
		logger.Warn("no database configured, settlements are kept in memory")
		return store.NewMemoryStore(), nil
	}
}

func buildGateway(cfg *config.AppConfig, logger *slog.Logger) (payout.Gateway, error) {
	if cfg.Payout.BaseURL == "" {
		logger.Warn("no payout provider configured, payouts always succeed")
		return payout.NewFakeGateway(payout.StatusSuccess), nil
	}
	gw, err := payout.NewHTTPGateway(payout.HTTPGatewayConfig{
		BaseURL: cfg.Payout.BaseURL,
		APIKey:  cfg.Payout.APIKey,
		Secret:  cfg.Payout.Secret,
		Timeout: cfg.Payout.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("payout gateway: %w", err)
	}
	return gw, nil
}
