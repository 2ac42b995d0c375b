// Command gamefleetd runs the operations plane for a fleet of game
// servers: RCON dispatch, log tailing and chat command routing, the
// marketplace engine, the presence status loop, and the chat/game
// registration handshake.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fenwick-ops/gamefleet/config"
	"github.com/fenwick-ops/gamefleet/events"
	"github.com/fenwick-ops/gamefleet/gamedb"
	"github.com/fenwick-ops/gamefleet/infrastructure/logging"
	"github.com/fenwick-ops/gamefleet/infrastructure/service"
	"github.com/fenwick-ops/gamefleet/logtailer"
	"github.com/fenwick-ops/gamefleet/marketplace"
	"github.com/fenwick-ops/gamefleet/rcon"
	"github.com/fenwick-ops/gamefleet/registration"
	"github.com/fenwick-ops/gamefleet/registry"
	"github.com/fenwick-ops/gamefleet/router"
	"github.com/fenwick-ops/gamefleet/status"
	"github.com/fenwick-ops/gamefleet/warp"

	"golang.org/x/time/rate"
)

const (
	chatRateLimit = rate.Limit(1)
	chatRateBurst = 3

	// Resource probe bounds: this process holds a log tailer and a sqlite
	// handle per configured server, so a leak in either shows up as rising
	// RSS or open file descriptors before it shows up anywhere else.
	maxProcessRSSBytes  = 2 << 30 // 2 GiB
	maxProcessOpenFiles = 512
)

func main() {
	configPath := flag.String("config", "fleet.yaml", "path to the fleet configuration file")
	flag.Parse()

	logger := logging.NewFromEnv("gamefleetd")

	if err := run(*configPath, logger); err != nil {
		logger.Fatal(context.Background(), "gamefleetd exited with a fatal error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *logging.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := registry.Open(cfg.RegistryDBPath, logger)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer store.Close()

	if len(cfg.LegacyPlaytimeDBPaths) > 0 {
		if err := store.MigrateLegacyColumns(context.Background(), cfg.LegacyPlaytimeDBPaths); err != nil {
			logger.Warn(context.Background(), "legacy column migration reported an error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	pool := rcon.NewPool(logger)
	defer pool.Close()

	readers := make(map[string]*gamedb.Reader, len(cfg.Servers))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	for _, sc := range cfg.Servers {
		password := os.Getenv(sc.RconPasswordEnv)
		pool.AddServer(rcon.ServerTarget{
			Name:     sc.Name,
			Addr:     fmt.Sprintf("%s:%d", sc.IP, sc.RconPort),
			Password: password,
		})

		reader, err := gamedb.Open(sc.Name, sc.GameDBPath)
		if err != nil {
			logger.Warn(context.Background(), "game db unavailable at startup", map[string]interface{}{
				"server": sc.Name,
				"error":  err.Error(),
			})
		} else {
			readers[sc.Name] = reader
		}
	}

	bus := events.New(logger)
	regMgr := registration.New(store, logger)
	warpHandler := warp.NewHandler(pool, store, readers, cfg.Servers, logger)

	var engine *marketplace.Engine
	if cfg.FeatureEnabled("marketplace", cfg.MarketplaceEnabled) {
		mcfg := marketplace.DefaultConfig()
		mcfg.CurrencyTemplateID = cfg.CurrencyItemID
		mcfg.SyncWait = time.Duration(cfg.SyncWaitSeconds) * time.Second
		engine = marketplace.NewEngine(mcfg, store, pool, readers, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := service.NewBase(&service.BaseConfig{ID: "gamefleetd", Name: "gamefleetd", Logger: logger})
	base.RegisterProbe("registry", func(ctx context.Context) error { return store.Ping(ctx) })
	base.RegisterProbe("process_resources", service.NewResourceProbe(service.ResourceProbeConfig{
		MaxRSSBytes:  maxProcessRSSBytes,
		MaxOpenFiles: maxProcessOpenFiles,
	}))

	statusLoop := status.NewLoop(pool, readers, store, bus, cfg.StatusSnapshotPath, logger)
	base.AddWorker(func(ctx context.Context) { statusLoop.Run(ctx) })

	ch := bus.Subscribe("registration")
	base.AddWorker(func(ctx context.Context) {
		defer bus.Unsubscribe("registration")
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				names := make(map[string]string, len(event.Players))
				for _, p := range event.Players {
					names[p.CharacterName] = p.PlatformID
				}
				regMgr.Reconcile(ctx, names)
			}
		}
	})

	for _, sc := range cfg.Servers {
		serverName := sc.Name
		tailer := logtailer.New(sc.LogPath, logger)
		rtr := router.New(logger, chatRateLimit, chatRateBurst)
		wireRouter(rtr, regMgr, engine, warpHandler, serverName, logger)

		base.AddTickerWorker(5*time.Second, func(ctx context.Context) error {
			lines, err := tailer.ReadNewLines()
			if err != nil {
				return err
			}
			for _, line := range lines {
				rtr.Dispatch(ctx, line)
			}
			return nil
		}, service.WithTickerWorkerName("logtailer:"+serverName))
	}

	if err := base.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info(ctx, "shutting down", nil)
	cancel()
	return base.Stop()
}

// wireRouter registers a handler for every marketplace/registration chat
// command on a single server's router. Handlers resolve a speaking
// character's chat_id via the registry before invoking the engine, since
// Withdraw/Sell/Buy take an already-resolved chat_id rather than resolving
// it themselves (Deposit is the exception: it resolves internally).
func wireRouter(rtr *router.Router, regMgr *registration.Manager, engine *marketplace.Engine, warpHandler *warp.Handler, server string, logger *logging.Logger) {
	rtr.On("register", func(ctx context.Context, cmd router.Command) {
		regMgr.ObserveInGameCode(cmd.Args[0], cmd.Speaker.CharacterName)
	})

	rtr.On("warp", func(ctx context.Context, cmd router.Command) {
		if rtr.SuppressDuplicate(cmd.Speaker.CharacterName, cmd.Args[0], cmd.Line) {
			return
		}
		warpHandler.Handle(ctx, server, cmd.Speaker.CharacterName, cmd.Args[0])
	})

	rtr.On("sethome", func(ctx context.Context, cmd router.Command) {
		if rtr.SuppressDuplicate(cmd.Speaker.CharacterName, "sethome", cmd.Line) {
			return
		}
		warpHandler.HandleSetHome(ctx, server, cmd.Speaker.CharacterName)
	})

	rtr.On("home", func(ctx context.Context, cmd router.Command) {
		if rtr.SuppressDuplicate(cmd.Speaker.CharacterName, "home", cmd.Line) {
			return
		}
		warpHandler.HandleHome(ctx, server, cmd.Speaker.CharacterName)
	})

	if engine == nil {
		return
	}

	rtr.On("deposit", func(ctx context.Context, cmd router.Command) {
		slot, err := router.ParseSlot(cmd.Args[0])
		if err != nil {
			return
		}
		if err := engine.Deposit(ctx, server, cmd.Speaker.CharacterName, slot); err != nil {
			logger.Warn(ctx, "deposit failed", map[string]interface{}{"error": err.Error()})
		}
	})

	rtr.On("withdraw", func(ctx context.Context, cmd router.Command) {
		amount, err := router.ParseAmount(cmd.Args[0])
		if err != nil {
			return
		}
		chatID, ok := engine.ResolveChatID(ctx, server, cmd.Speaker.CharacterName)
		if !ok {
			return
		}
		if err := engine.Withdraw(ctx, server, cmd.Speaker.CharacterName, chatID, amount); err != nil {
			logger.Warn(ctx, "withdraw failed", map[string]interface{}{"error": err.Error()})
		}
	})

	rtr.On("sell", func(ctx context.Context, cmd router.Command) {
		slot, err := router.ParseSlot(cmd.Args[0])
		if err != nil {
			return
		}
		price, err := router.ParseAmount(cmd.Args[1])
		if err != nil {
			return
		}
		chatID, ok := engine.ResolveChatID(ctx, server, cmd.Speaker.CharacterName)
		if !ok {
			return
		}
		if err := engine.Sell(ctx, server, cmd.Speaker.CharacterName, chatID, slot, price); err != nil {
			logger.Warn(ctx, "sell failed", map[string]interface{}{"error": err.Error()})
		}
	})

	rtr.On("buy", func(ctx context.Context, cmd router.Command) {
		listingID, err := router.ParseAmount(cmd.Args[0])
		if err != nil {
			return
		}
		chatID, ok := engine.ResolveChatID(ctx, server, cmd.Speaker.CharacterName)
		if !ok {
			return
		}
		if err := engine.Buy(ctx, server, cmd.Speaker.CharacterName, chatID, listingID); err != nil {
			logger.Warn(ctx, "buy failed", map[string]interface{}{"error": err.Error()})
		}
	})
}
