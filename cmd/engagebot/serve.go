package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"engagebot/api"
	"engagebot/audit"
	"engagebot/config"
	"engagebot/contentfilter"
	"engagebot/dispatch"
	"engagebot/domain"
	"engagebot/engine"
	"engagebot/extractor"
	"engagebot/metrics"
	"engagebot/policy"
	"engagebot/rategate"
	"engagebot/scheduler"
	"engagebot/scorer"
	"engagebot/sequencer"
	"engagebot/storage"
)

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and the control-plane API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			setLogLevel(cfg.LogLevel)
			slog.Info("config loaded", "account_id", cfg.AccountID, "persona", cfg.Persona, "timezone", cfg.Timezone)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	slog.Info("storage initialized", "db_path", cfg.DBPath)

	sched, err := scheduler.New(cfg.Timezone)
	if err != nil {
		return err
	}

	recorder := metrics.New()
	filter, err := newFilter(cfg)
	if err != nil {
		return err
	}
	gate := newGate(cfg, sched.Location(), rategate.WithPersister(&rateCounterStore{store: store}))
	if err := restoreRates(ctx, gate, store, cfg.AccountID); err != nil {
		return err
	}
	breaker := newScorer(cfg, recorder.SetBreakerState)
	queue := dispatch.NewQueue(store, cfg.AccountID, time.Duration(cfg.DriverTimeoutSec)*time.Second,
		dispatch.WithPollInterval(time.Duration(cfg.TaskPollMillis)*time.Millisecond))

	eng := engine.New(engine.Deps{
		Scorer:     breaker,
		Gate:       gate,
		Filter:     filter,
		Sequencer:  sequencer.New(sequencerConfig(cfg)),
		Executors:  queue,
		Audit:      audit.Multi{store, recorder},
		Interacted: store,
		Sink:       recorder,
		Scoring:    recorder,
	}, api.LoadSettings(store, engineConfig(cfg), cfg.Personas), cfg.InteractedCapacity)

	seen, err := store.LoadInteracted(ctx, cfg.AccountID, cfg.InteractedCapacity)
	if err != nil {
		return err
	}
	eng.Seed(seen)
	slog.Info("interacted set loaded", "count", len(seen))

	// No driver is attached to tasks left open by a previous process.
	cancelled, err := store.CancelOpenTasks(ctx, cfg.AccountID)
	if err != nil {
		return err
	}
	if cancelled > 0 {
		slog.Warn("cancelled tasks left open by previous run", "count", cancelled)
	}

	var fetcher extractor.Fetcher
	if cfg.EnrichTitles {
		fetcher = extractor.NewFetcher(time.Duration(cfg.FetchTimeoutSec) * time.Second)
	}
	intake := extractor.NewIntake(cfg.IntakeBuffer, fetcher)

	srv := api.New(api.Config{
		AccountID:       cfg.AccountID,
		Personas:        cfg.Personas,
		StaticWhitelist: cfg.CommentTemplateWhitelist,
	}, api.Deps{
		Runs:      store,
		Tasks:     store,
		Templates: store,
		Stats:     store,
		Audit:     store,
		Settings:  store,
		Engine:    eng,
		Intake:    intake,
		Whitelist: filter,
		Rates:     gate,
		Breaker:   breaker,
		Metrics:   recorder.Handler(),
	})
	if _, err := srv.ReloadWhitelist(ctx); err != nil {
		return err
	}

	maintenance := scheduler.NewMaintenance(store, time.Duration(cfg.StaleTaskMinutes)*time.Minute)
	if err := sched.Daily("maintenance", cfg.MaintenanceTime, maintenance.Task(ctx)); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()
	slog.Info("scheduler started", "maintenance_time", cfg.MaintenanceTime, "next", sched.Next("maintenance"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Run(gctx, cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return intake.Run(gctx) })
	g.Go(func() error {
		if err := eng.Run(gctx, intake.C()); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	err = g.Wait()
	slog.Info("shutdown complete")
	return err
}

func newFilter(cfg config.Config) (*contentfilter.Filter, error) {
	return contentfilter.New(contentfilter.Rules{
		BlockedKeywords: cfg.BlockedKeywords,
		BlockedPatterns: cfg.BlockedPatterns,
		MaxLength:       cfg.MaxCommentLength,
		TemplateOnly:    cfg.TemplateOnly,
		BypassWhitelist: cfg.TemplateWhitelistBypass,
	})
}

// rateCounterStore adapts storage.Store to rategate.Persister.
type rateCounterStore struct {
	store *storage.Store
}

func (a *rateCounterStore) SaveCounter(account string, action domain.ActionType, c rategate.Counter) error {
	return a.store.SaveRateCounter(context.Background(), account, action, c)
}

func restoreRates(ctx context.Context, gate *rategate.Gate, store *storage.Store, account string) error {
	counters, err := store.LoadRateCounters(ctx, account)
	if err != nil {
		return err
	}
	gate.Restore(account, counters)
	slog.Info("rate counters restored", "actions", len(counters))
	return nil
}

func newGate(cfg config.Config, loc *time.Location, opts ...rategate.Option) *rategate.Gate {
	return rategate.New(map[domain.ActionType]rategate.Limit{
		domain.Like: {
			PerMinute: cfg.LikeRateLimitPerMinute,
			PerDay:    cfg.MaxDailyInteractions,
		},
		domain.Comment: {
			PerMinute: cfg.CommentRateLimitPerMinute,
			PerDay:    cfg.CommentDailyLimit,
			Cooldown:  time.Duration(cfg.CommentCooldownSec) * time.Second,
		},
		domain.Subscribe: {
			PerMinute: cfg.FollowRateLimitPerMinute,
			PerDay:    cfg.FollowDailyLimit,
		},
	}, append([]rategate.Option{rategate.WithLocation(loc)}, opts...)...)
}

func newScorer(cfg config.Config, onBreakerChange func(string)) *scorer.Breaker {
	client := scorer.New(scorer.Config{
		BaseURL:     cfg.LLMBaseURL,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		Temperature: cfg.LLMTemperature,
		TopP:        cfg.LLMTopP,
		MaxTokens:   cfg.LLMMaxTokens,
	}, &http.Client{Timeout: time.Duration(cfg.ScoringTimeoutSec+5) * time.Second})

	return scorer.WithBreaker(client, scorer.BreakerConfig{
		Failures: cfg.BreakerFailures,
		Window:   cfg.BreakerWindow,
		Delay:    time.Duration(cfg.BreakerDelaySec) * time.Second,
	}, onBreakerChange)
}

func engineConfig(cfg config.Config) engine.Config {
	reasons := make([]domain.SkipReason, 0, len(cfg.ImmediateAdvanceOn))
	for _, r := range cfg.ImmediateAdvanceOn {
		reasons = append(reasons, domain.SkipReason(r))
	}
	return engine.Config{
		AccountID: cfg.AccountID,
		Persona:   cfg.Personas[cfg.Persona],
		Rules: policy.Rules{
			Thresholds: policy.Thresholds{
				PersonaMin:   cfg.PersonaMin,
				RealHumanMin: cfg.RealHumanMin,
				FollowBack:   cfg.FollowBackThreshold,
			},
			LikeEnabled:    cfg.LikeEnabled,
			CommentEnabled: cfg.CommentEnabled,
			FollowEnabled:  cfg.FollowEnabled,
		},
		SkipInteracted:          cfg.SkipInteracted,
		Topics:                  policy.Topics{Include: cfg.TopicKeywords, Exclude: cfg.TopicExcludeKeywords},
		ScoringTimeout:          time.Duration(cfg.ScoringTimeoutSec) * time.Second,
		ImmediateAdvanceReasons: reasons,
	}
}

func sequencerConfig(cfg config.Config) sequencer.Config {
	return sequencer.Config{
		Delays: sequencer.Delays{
			Step:       sequencer.Range{Min: config.Seconds(cfg.StepDelayMinSec), Max: config.Seconds(cfg.StepDelayMaxSec)},
			PreAdvance: sequencer.Range{Min: config.Seconds(cfg.PreAdvanceMinSec), Max: config.Seconds(cfg.PreAdvanceMaxSec)},
			Skip:       sequencer.Range{Min: config.Seconds(cfg.SkipDelayMinSec), Max: config.Seconds(cfg.SkipDelayMaxSec)},
		},
		StepTimeout: time.Duration(cfg.StepTimeoutSec) * time.Second,
	}
}
