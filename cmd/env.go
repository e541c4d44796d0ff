package main

import (
	"context"
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/news-sentinel/internal/classify"
	"github.com/sells-group/news-sentinel/internal/config"
	"github.com/sells-group/news-sentinel/internal/dedup"
	"github.com/sells-group/news-sentinel/internal/feed"
	"github.com/sells-group/news-sentinel/internal/fetcher"
	"github.com/sells-group/news-sentinel/internal/model"
	"github.com/sells-group/news-sentinel/internal/monitoring"
	"github.com/sells-group/news-sentinel/internal/notify"
	"github.com/sells-group/news-sentinel/internal/pipeline"
	"github.com/sells-group/news-sentinel/internal/resilience"
	"github.com/sells-group/news-sentinel/internal/resolver"
	"github.com/sells-group/news-sentinel/internal/scrape"
	"github.com/sells-group/news-sentinel/internal/store"
	"github.com/sells-group/news-sentinel/internal/validate"
	anthropicpkg "github.com/sells-group/news-sentinel/pkg/anthropic"
	"github.com/sells-group/news-sentinel/pkg/firecrawl"
	"github.com/sells-group/news-sentinel/pkg/jina"
)

// pipelineEnv holds everything the run and serve commands drive.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Registry *feed.Registry
	Alerter  *monitoring.Alerter

	sessions *resolver.SessionPool
}

// Close releases the resolver sessions and the store.
func (pe *pipelineEnv) Close() {
	if pe.sessions != nil {
		_ = pe.sessions.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func retryConfig(c config.RetryConfig) resilience.RetryConfig {
	return resilience.RetryFrom(c.MaxAttempts, c.InitialBackoff, c.MaxBackoff, c.Multiplier, c.Jitter)
}

// initPipeline builds the store, every adapter and the orchestrator.
// Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	reg, err := feed.LoadRegistry(cfg.Feeds.Path)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	retry := retryConfig(cfg.Retry)

	feedFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent: cfg.Feeds.UserAgent,
		Timeout:   cfg.Feeds.Timeout,
		Rate:      rate.Limit(cfg.Feeds.RateLimit),
		Burst:     cfg.Feeds.Burst,
		Retry:     retry,
	})
	pageFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent: cfg.Scrape.UserAgent,
		Timeout:   cfg.Scrape.Timeout,
		Rate:      rate.Limit(cfg.Feeds.RateLimit),
		Burst:     cfg.Feeds.Burst,
		Retry:     retry,
	})

	sessions := resolver.NewSessionPool(cfg.Resolver.Sessions, sessionFactory(cfg.Resolver))
	res := resolver.New(sessions, resolver.Options{
		AcquireTimeout:    cfg.Resolver.AcquireTimeout,
		NavigationTimeout: cfg.Resolver.NavigationTimeout,
		PollInterval:      cfg.Resolver.PollInterval,
		PollWindow:        cfg.Resolver.PollWindow,
		IsIndirection:     resolver.HostSuffix(cfg.Resolver.IndirectionHosts...),
	})

	ingestion := &pipeline.Ingestion{
		Registry: reg,
		Feeds:    feed.NewCollector(feedFetcher, cfg.Feeds.Workers),
		Resolver: res,
		History:  dedup.New(st),
		Pages:    scrape.NewMetadataReader(pageFetcher),
		Validator: validate.New(validate.Rules{
			MinTitleChars: cfg.Validator.MinTitleChars,
			MinTotalChars: cfg.Validator.MinTotalChars,
			BlockedTerms:  cfg.Validator.BlockedTerms,
			GenericTitles: cfg.Validator.GenericTitles,
		}),
		Store:       st,
		PageWorkers: cfg.Scrape.Workers,
	}

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key, anthropicpkg.WithBaseURL(cfg.Anthropic.BaseURL))
	classifyOpts := classify.Options{Model: cfg.Anthropic.Model, MaxTokens: cfg.Anthropic.MaxTokens}
	needsAnthropic := func() error {
		if cfg.Anthropic.Key == "" {
			return eris.New("anthropic api key not configured (SENTINEL_ANTHROPIC_KEY)")
		}
		return nil
	}

	chain := scrape.NewChain(scrape.NewURLMatcher(cfg.Scrape.ExcludeURLs), cfg.Scrape.MaxTextChars,
		extractors(retry, pageFetcher)...)

	chat := notify.NewChat(notify.ChatOptions{
		WebhookURL: cfg.Chat.WebhookURL,
		Timeout:    cfg.Chat.Timeout,
		Retry:      retry,
	})

	p := pipeline.New(st, pipelineOptions(cfg), ingestion,
		pipeline.NewClassifyHandler(classify.NewRelevance(anthropicClient, classifyOpts), needsAnthropic),
		pipeline.NewExtractHandler(chain, nil),
		pipeline.NewTargetHandler(classify.NewTarget(anthropicClient, classifyOpts), reg, needsAnthropic),
		pipeline.NewDeliverHandler(chat, reg),
	)

	alerter := monitoring.NewAlerter(cfg.Monitoring, nil)
	if cfg.Monitoring.WebhookURL != "" {
		alerter = monitoring.NewAlerter(cfg.Monitoring, notify.NewChat(notify.ChatOptions{
			WebhookURL: cfg.Monitoring.WebhookURL,
			Timeout:    cfg.Chat.Timeout,
			Retry:      retry,
		}))
	}
	p.WithAlerter(alerter)

	zap.L().Info("pipeline ready",
		zap.Int("organizations", len(reg.Organizations)),
		zap.Int("feeds", len(reg.Sources())),
		zap.String("store", cfg.Store.Driver),
		zap.String("resolver", cfg.Resolver.Driver),
	)

	return &pipelineEnv{
		Store:    st,
		Pipeline: p,
		Registry: reg,
		Alerter:  alerter,
		sessions: sessions,
	}, nil
}

// extractors lists the text extractors in priority order. Firecrawl joins
// the chain only when a key is configured.
func extractors(retry resilience.RetryConfig, pages fetcher.Fetcher) []scrape.Extractor {
	out := []scrape.Extractor{
		scrape.NewJinaExtractor(jina.NewClient(cfg.Jina.Key,
			jina.WithBaseURL(cfg.Jina.BaseURL),
			jina.WithHTTPClient(&http.Client{Timeout: cfg.Jina.Timeout}),
			jina.WithRetry(retry),
		)),
	}
	if cfg.Firecrawl.Key != "" {
		out = append(out, scrape.NewFirecrawlExtractor(firecrawl.NewClient(cfg.Firecrawl.Key,
			firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL),
			firecrawl.WithHTTPClient(&http.Client{Timeout: cfg.Firecrawl.Timeout}),
			firecrawl.WithRetry(retry),
		)))
	}
	return append(out, scrape.NewLocalExtractor(pages))
}

func sessionFactory(rc config.ResolverConfig) resolver.SessionFactory {
	if rc.Driver == "chrome" {
		return resolver.NewBrowserSessionFactory(resolver.BrowserOptions{
			ExecPath:  rc.ChromePath,
			UserAgent: rc.UserAgent,
		})
	}
	return resolver.NewHTTPSessionFactory(resolver.HTTPSessionOptions{UserAgent: rc.UserAgent})
}

func pipelineOptions(c *config.Config) pipeline.Options {
	stages := make(map[model.Stage]pipeline.StageOptions, len(model.Stages))
	for _, st := range model.Stages {
		sc := c.Pipeline.Stage(string(st))
		stages[st] = pipeline.StageOptions{Workers: sc.Workers, MinInterval: sc.MinInterval}
	}
	return pipeline.Options{
		BatchSize:       c.Pipeline.BatchSize,
		StallThreshold:  c.Pipeline.StallThreshold,
		OpTimeout:       c.Pipeline.OpTimeout,
		FinalizeTimeout: c.Pipeline.FinalizeTimeout,
		Stages:          stages,
		Circuit:         resilience.CircuitFrom(c.Circuit.FailureThreshold, c.Circuit.Cooldown),
	}
}
