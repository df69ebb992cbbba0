package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/fusemargin/internal/crypto"
	"github.com/alanyoungcy/fusemargin/internal/pipeline"
	"github.com/alanyoungcy/fusemargin/internal/server"
	"github.com/alanyoungcy/fusemargin/internal/server/handler"
	"github.com/alanyoungcy/fusemargin/internal/server/ws"
	"github.com/alanyoungcy/fusemargin/internal/service"
	"github.com/alanyoungcy/fusemargin/internal/units"
	"github.com/ethereum/go-ethereum/common"
)

// ServerMode serves the HTTP and WebSocket API.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// ArchiveMode runs only the receipt archiver on its cron schedule.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	if deps.Archiver == nil {
		return errors.New("archive mode: object storage is not configured")
	}
	return a.newArchiver(deps).RunCron(ctx, a.cfg.Archive.Cron)
}

// FullMode serves the API and runs the archiver.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		arch := a.newArchiver(deps)
		g.Go(func() error {
			return arch.RunCron(ctx, a.cfg.Archive.Cron)
		})
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}
	return g.Wait()
}

// DemoMode walks a throwaway trader through a full position lifecycle on
// the in-memory devnet, then keeps serving the API if it is enabled.
func (a *App) DemoMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting demo mode")

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(gctx, g, deps)
	}
	if err := a.walkthrough(gctx, deps); err != nil {
		return fmt.Errorf("demo mode: %w", err)
	}
	if !a.cfg.Server.Enabled {
		return nil
	}
	return g.Wait()
}

// walkthrough opens, grows, trims and closes one position through signed
// requests, logging the account after each step.
func (a *App) walkthrough(ctx context.Context, deps *Dependencies) error {
	svc := deps.Margin
	trader, err := crypto.GenerateSigner(a.cfg.Wallet.ChainID)
	if err != nil {
		return err
	}
	collDec, debtDec := svc.Decimals()
	amount := func(s string, decimals uint8) string {
		return units.MustToBase(s, decimals).String()
	}

	if _, err := svc.Faucet(ctx, trader.Address(), units.MustToBase("1", collDec), nil); err != nil {
		return fmt.Errorf("fund trader: %w", err)
	}

	var nonce uint64
	var positionID uint64
	steps := []crypto.MarginRequest{
		{Action: "open", Amount: amount("0.5", collDec), Flash: amount("3000", debtDec)},
		{Action: "add", Amount: amount("0.1", collDec)},
		{Action: "add", Flash: amount("1000", debtDec)},
		{Action: "withdraw", Amount: amount("0.01", collDec)},
		{Action: "close"},
	}
	for _, req := range steps {
		nonce++
		req.Nonce = nonce
		req.PositionID = positionID
		req.Deadline = time.Now().Add(time.Minute).Unix()
		sig, err := trader.SignRequest(req)
		if err != nil {
			return err
		}
		r, err := svc.ExecuteSigned(ctx, req, sig)
		if err != nil {
			return fmt.Errorf("%s: %w", req.Action, err)
		}
		positionID = r.PositionID

		view, err := svc.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		a.logger.InfoContext(ctx, "demo step settled",
			slog.String("action", req.Action),
			slog.String("tx_id", r.TxID),
			slog.Uint64("position_id", positionID),
			slog.String("status", string(view.Status)),
			slog.String("collateral", units.Format(view.Markets[0].Supplied, collDec)),
			slog.String("debt", units.Format(view.Markets[1].Borrowed, debtDec)),
		)
	}

	var left *big.Int
	env := svc.Env()
	_ = env.Chain.View(func() error {
		left = env.Collateral.BalanceOf(trader.Address())
		return nil
	})
	a.logger.InfoContext(ctx, "demo complete",
		slog.String("trader", trader.Address().Hex()),
		slog.String("collateral_balance", units.Format(left, collDec)),
	)
	return nil
}

func (a *App) newArchiver(deps *Dependencies) *pipeline.Archiver {
	return pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, deps.Metrics, deps.Notifier, a.logger)
}

// startHTTPServer adds the hub and the HTTP server to g. The server is shut
// down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	startedAt := time.Now().UTC()
	svc := deps.Margin
	env := deps.Env

	hub := ws.NewHub(deps.EventBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: startedAt,
		Channel:   service.ReceiptChannelPrefix + "*",
		Stream:    service.ReceiptStream,
		Block:     svc.Block,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.Health, a.logger),
		Status: &handler.StatusHandler{
			Mode:     a.cfg.Mode,
			ChainID:  a.cfg.Wallet.ChainID,
			Operator: deps.Signer.Address(),
			Contracts: map[string]common.Address{
				"engine":            env.Engine.Address(),
				"registry":          env.Registry.Address(),
				"comptroller":       env.Comptroller.Address(),
				"collateral_market": env.CollateralMarket.Address(),
				"debt_market":       env.DebtMarket.Address(),
				"pair":              env.Pair.Address(),
				"aggregator":        env.Aggregator.Address(),
				"collateral":        env.Collateral.Address(),
				"debt":              env.Debt.Address(),
			},
			StartedAt: startedAt,
			Block:     svc.Block,
		},
		Positions: handler.NewPositionHandler(svc, a.logger),
		Requests:  handler.NewRequestHandler(svc, a.logger),
		Receipts:  handler.NewReceiptHandler(svc, a.logger),
		Metrics:   deps.Metrics.Handler(),
	}
	var admin *crypto.HMACAuth
	if a.cfg.Server.AdminKey != "" {
		admin = &crypto.HMACAuth{Key: a.cfg.Server.AdminKey, Secret: a.cfg.Server.AdminSecret}
	}
	if a.cfg.Devnet.FaucetEnabled && admin != nil {
		handlers.Faucet = handler.NewFaucetHandler(svc, a.cfg.Devnet.FaucetCollateral, a.cfg.Devnet.FaucetDebt, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		Admin:           admin,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
