package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"payrelay/internal/broadcast"
	"payrelay/internal/catalog"
	"payrelay/internal/config"
	"payrelay/internal/dispatch"
	"payrelay/internal/relay"
	rtsup "payrelay/internal/runtime/supervisor"
	"payrelay/internal/session"
	kit "payrelay/internal/transport"
	telegram "payrelay/internal/transport/telegram/adapter"
	"payrelay/internal/users"
	logx "payrelay/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter kit.Adapter
	shops   *catalog.Catalog
	users   users.Store

	relay *relay.Engine
	bcast *broadcast.Engine
	disp  *dispatch.Dispatcher

	cron *cron.Cron

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), ad)
	logSvc.SetTelegramTarget(cfg.Telegram.GroupLog)
	log = log.With(logx.String("comp", "app"))

	shops, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	if shops.Len() == 0 {
		log.Warn("catalog is empty; users will be told no shops are available", logx.String("path", cfg.Catalog.Path))
	} else {
		log.Info("catalog loaded", logx.Int("shops", shops.Len()), logx.String("path", cfg.Catalog.Path))
	}

	ucfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	userStore, err := users.Open(ucfg, log.With(logx.String("comp", "users")))
	if err != nil {
		return nil, err
	}

	rcfg, err := mapRelayConfig(cfg)
	if err != nil {
		return nil, err
	}
	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}

	sessions := session.NewStore()
	relayEng := relay.New(rcfg, sessions, shops, ad, log.With(logx.String("comp", "relay")))
	bcastEng := broadcast.New(bcfg, ad, log.With(logx.String("comp", "broadcast")))

	disp := dispatch.New(
		dispatch.Config{AdminUserIDs: cfg.Telegram.AdminUserIDs},
		ad, shops, sessions, userStore, relayEng, bcastEng,
		log.With(logx.String("comp", "dispatch")),
	)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		adapter: ad,
		shops:   shops,
		users:   userStore,
		relay:   relayEng,
		bcast:   bcastEng,
		disp:    disp,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapRelayConfig(cfg); err != nil {
			return err
		}
		if _, err := mapBroadcastConfig(cfg); err != nil {
			return err
		}
		if spec := maintenanceSpec(cfg); spec != "" {
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("maintenance.spec: %w", err)
			}
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go("dispatch", func(c context.Context) error {
		return a.disp.Run(c, a.updates)
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if err := a.startMaintenance(maintenanceSpec(a.cfgm.Get())); err != nil {
		return err
	}

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(prev, cfg *config.Config) {
	if cfg == nil {
		return
	}

	a.logs.SetTelegramTarget(cfg.Telegram.GroupLog)
	a.logs.Apply(mapLogConfig(cfg))

	a.disp.SetAdmins(cfg.Telegram.AdminUserIDs)

	if rcfg, err := mapRelayConfig(cfg); err == nil {
		a.relay.Apply(rcfg)
	}
	if bcfg, err := mapBroadcastConfig(cfg); err == nil {
		a.bcast.Apply(bcfg)
	}

	if prev != nil {
		if prev.Telegram.Token != cfg.Telegram.Token {
			a.log.Warn("telegram token changed; restart required for changes to take effect")
		}
		if prev.Catalog.Path != cfg.Catalog.Path {
			a.log.Warn("catalog path changed; restart required for changes to take effect")
		}
		if prev.Storage != cfg.Storage {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
		if maintenanceSpec(prev) != maintenanceSpec(cfg) {
			a.restartMaintenance(maintenanceSpec(cfg))
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) startMaintenance(spec string) error {
	if spec == "" {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		mctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.users.Maintain(mctx); err != nil {
			a.log.Warn("user store maintenance failed", logx.Err(err))
		} else {
			a.log.Debug("user store maintenance done")
		}
	})
	if err != nil {
		return fmt.Errorf("maintenance.spec: %w", err)
	}
	c.Start()
	a.cron = c
	a.log.Info("maintenance scheduled", logx.String("spec", spec))
	return nil
}

func (a *App) restartMaintenance(spec string) {
	if a.cron != nil {
		stopCtx := a.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			a.log.Warn("maintenance job still running during reschedule")
		}
		a.cron = nil
	}
	if err := a.startMaintenance(spec); err != nil {
		a.log.Warn("maintenance reschedule failed", logx.Err(err))
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown piece with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem > 0 && rem < max {
				max = rem
			}
		}
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			} else {
				a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("maintenance", 2*time.Second, func(c context.Context) error {
		if a.cron == nil {
			return nil
		}
		stopCtx := a.cron.Stop()
		select {
		case <-stopCtx.Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("users", 1*time.Second, func(context.Context) error { return a.users.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (users.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return users.Config{}, err
	}
	return users.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapRelayConfig(cfg *config.Config) (relay.Config, error) {
	raw := ""
	if cfg.Relay != nil {
		raw = cfg.Relay.SendTimeout
	}
	d, err := config.ParseDurationOrDefault("relay.send_timeout", raw, 10*time.Second)
	if err != nil {
		return relay.Config{}, err
	}
	return relay.Config{SendTimeout: d}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	out := broadcast.Config{}
	raw := ""
	if cfg.Broadcast != nil {
		if cfg.Broadcast.Workers < 0 {
			return out, fmt.Errorf("broadcast.workers must be >= 0")
		}
		if cfg.Broadcast.RatePerSec < 0 {
			return out, fmt.Errorf("broadcast.rate_per_sec must be >= 0")
		}
		out.Workers = cfg.Broadcast.Workers
		out.RatePerSec = cfg.Broadcast.RatePerSec
		raw = cfg.Broadcast.SendTimeout
	}
	d, err := config.ParseDurationOrDefault("broadcast.send_timeout", raw, 10*time.Second)
	if err != nil {
		return out, err
	}
	out.SendTimeout = d
	return out, nil
}

func maintenanceSpec(cfg *config.Config) string {
	if cfg == nil || cfg.Maintenance == nil {
		return ""
	}
	return cfg.Maintenance.Spec
}
