package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tanoshi/narration/internal/blob"
	"github.com/tanoshi/narration/internal/cache"
	"github.com/tanoshi/narration/internal/config"
	"github.com/tanoshi/narration/internal/events"
	"github.com/tanoshi/narration/internal/home"
	"github.com/tanoshi/narration/internal/idempotency"
	"github.com/tanoshi/narration/internal/jobs"
	"github.com/tanoshi/narration/internal/natsutil"
	"github.com/tanoshi/narration/internal/pipeline"
	"github.com/tanoshi/narration/internal/providers"
	"github.com/tanoshi/narration/internal/ratelimit"
	"github.com/tanoshi/narration/internal/session"
	"github.com/tanoshi/narration/internal/signing"
	"github.com/tanoshi/narration/internal/store"
	"github.com/tanoshi/narration/internal/voices"
)

// stack is the set of running components behind the HTTP layer.
type stack struct {
	logger *slog.Logger

	jobs        store.JobStore
	limiter     ratelimit.Limiter
	blobs       blob.Store
	events      *events.Publisher
	voices      *voices.Registry
	providers   *providers.Registry
	coordinator *pipeline.Coordinator
	sessions    *session.Manager
	signer      *signing.Signer
	sweeper     *store.Sweeper

	wg      sync.WaitGroup
	closers []func()
}

// backend holds the storage implementations chosen by store.backend.
type backend struct {
	jobs        store.JobStore
	ledger      idempotency.Ledger
	limiter     ratelimit.Limiter
	extractions cache.Cache
	utterances  cache.Cache
	blobs       blob.Store
	voices      voices.Store
}

func buildStack(ctx context.Context, cfg *config.Config, dir *home.Dir, embedded bool, logger *slog.Logger) (*stack, error) {
	st := &stack{logger: logger}

	var (
		b   *backend
		err error
	)
	switch cfg.Store.Backend {
	case store.BackendNATS:
		b, err = st.natsBackend(ctx, cfg, dir, embedded)
	default:
		b, err = memoryBackend(cfg, dir)
	}
	if err != nil {
		st.close()
		return nil, err
	}
	if err := st.wire(ctx, cfg, b); err != nil {
		st.close()
		return nil, err
	}
	return st, nil
}

func limitsOf(cfg *config.Config) ratelimit.Limits {
	return ratelimit.Limits{Window: cfg.RateLimit.Window, Max: cfg.RateLimits()}
}

func memoryBackend(cfg *config.Config, dir *home.Dir) (*backend, error) {
	blobDir := cfg.Blob.Dir
	if blobDir == "" {
		blobDir = dir.BlobsPath()
	}
	blobs, err := blob.NewFS(blobDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob directory: %w", err)
	}
	return &backend{
		jobs:        store.NewMemoryStore(cfg.JobTTL),
		ledger:      idempotency.NewMemoryLedger(cfg.IdempotencyTTL),
		limiter:     ratelimit.NewMemoryLimiter(limitsOf(cfg)),
		extractions: cache.NewMemory(cfg.Cache.MaxEntries),
		utterances:  cache.NewMemory(cfg.Cache.MaxEntries),
		blobs:       blobs,
		voices:      voices.NewMemoryStore(),
	}, nil
}

func (st *stack) natsBackend(ctx context.Context, cfg *config.Config, dir *home.Dir, embedded bool) (*backend, error) {
	url := cfg.NATS.URL
	if embedded {
		ns, err := natsutil.RunEmbedded(natsutil.EmbeddedConfig{StoreDir: dir.NATSPath(), Logger: st.logger})
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, ns.Shutdown)
		url = ns.ClientURL()
	}

	nc, js, err := natsutil.Connect(url, st.logger)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, nc.Close)
	st.logger.Info("connected to nats", "url", nc.ConnectedUrl())

	return openNATS(ctx, js, cfg, st.logger)
}

func openNATS(ctx context.Context, js jetstream.JetStream, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	var (
		b   backend
		err error
	)
	if b.jobs, err = store.NewNATSStore(ctx, store.NATSStoreConfig{
		JetStream: js,
		Bucket:    natsutil.BucketJobs,
		TTL:       cfg.JobTTL,
		Logger:    logger,
	}); err != nil {
		return nil, err
	}
	if b.ledger, err = idempotency.NewNATSLedger(ctx, js, cfg.IdempotencyTTL); err != nil {
		return nil, err
	}
	if b.limiter, err = ratelimit.NewNATSLimiter(ctx, js, limitsOf(cfg)); err != nil {
		return nil, err
	}
	if b.extractions, err = cache.NewKV(ctx, js, cache.NamespaceExtract, cfg.Cache.TTL); err != nil {
		return nil, err
	}
	if b.utterances, err = cache.NewObjects(ctx, js, cache.NamespaceUtter); err != nil {
		return nil, err
	}
	if b.blobs, err = blob.NewObjectStore(ctx, js, natsutil.BucketBlobs); err != nil {
		return nil, err
	}
	if b.voices, err = voices.NewNATSStore(ctx, js); err != nil {
		return nil, err
	}
	return &b, nil
}

// wire builds the service graph on top of a backend.
func (st *stack) wire(ctx context.Context, cfg *config.Config, b *backend) error {
	signer, err := signing.New(cfg.SigningSecret(), cfg.Signing.UploadTTL)
	if err != nil {
		return err
	}
	if cfg.SigningSecret() == "" {
		st.logger.Warn("signing.secret is empty, upload URLs will not survive a restart")
	}

	extraction, synthesis := cfg.ProviderConfigs()
	registry, err := providers.NewRegistryFromConfig(extraction, synthesis, st.logger)
	if err != nil {
		return fmt.Errorf("failed to create providers: %w", err)
	}

	pub := events.New(events.Config{Jobs: b.jobs, Logger: st.logger})

	voiceRegistry := voices.New(voices.Config{
		Store:         b.voices,
		Blobs:         b.blobs,
		Signer:        signer,
		APIBaseURL:    cfg.APIBaseURL,
		CDNBaseURL:    cfg.CDNBaseURL,
		SampleRate:    cfg.Voices.SampleRate,
		TrainingDelay: cfg.Voices.TrainingDelay,
		DefaultVoice:  cfg.Voices.Default,
		Logger:        st.logger,
	})
	if err := voiceRegistry.Seed(ctx); err != nil {
		return fmt.Errorf("failed to seed voices: %w", err)
	}

	coordinator, err := pipeline.New(pipeline.Config{
		Jobs:              b.jobs,
		Blobs:             b.blobs,
		Cache:             cache.NewLayer(b.extractions, b.utterances, cfg.Cache.PHash),
		Events:            pub,
		Voices:            voiceRegistry,
		Providers:         registry,
		Logger:            st.logger,
		ExtractionWorkers: cfg.Pools.Extraction,
		SynthesisWorkers:  cfg.Pools.Synthesis,
		Retry: jobs.RetryConfig{
			Attempts:  uint(cfg.Pipeline.MaxAttempts),
			Delay:     cfg.Pipeline.RetryDelay,
			MaxDelay:  cfg.Pipeline.RetryMaxDelay,
			MaxJitter: cfg.Pipeline.RetryDelay / 2,
		},
		CallTimeout:       cfg.Pipeline.CallTimeout,
		ExtractionLimiter: providers.NewRateLimiter(cfg.Providers.Extraction.RequestsPerMinute),
		SynthesisLimiter:  providers.NewRateLimiter(cfg.Providers.Synthesis.RequestsPerMinute),
		ArrivalThreshold:  cfg.Pipeline.ArrivalThreshold,
		TriggerTimeout:    cfg.Pipeline.TriggerTimeout,
		LateBatchDelay:    cfg.Pipeline.LateBatchDelay,
		UploadDeadline:    cfg.Pipeline.UploadDeadline,
		SegmentGap:        cfg.Pipeline.SegmentGap,
		AudioBaseURL:      cfg.CDNBaseURL,
	})
	if err != nil {
		return err
	}

	sessions, err := session.New(session.Config{
		Jobs:           b.jobs,
		Ledger:         b.ledger,
		Limiter:        b.limiter,
		Pipeline:       coordinator,
		Events:         pub,
		Voices:         voiceRegistry,
		Signer:         signer,
		Logger:         st.logger,
		APIBaseURL:     cfg.APIBaseURL,
		MaxWindow:      cfg.Pipeline.MaxWindow,
		MaxUploadBytes: cfg.Pipeline.MaxUploadBytes,
	})
	if err != nil {
		return err
	}

	sweeper := store.NewSweeper(b.jobs, cfg.SweepInterval, st.logger)
	sweeper.OnEvict(func(jobID string) {
		coordinator.Evict(context.Background(), jobID)
	})

	st.jobs = b.jobs
	st.limiter = b.limiter
	st.blobs = b.blobs
	st.events = pub
	st.voices = voiceRegistry
	st.providers = registry
	st.coordinator = coordinator
	st.sessions = sessions
	st.signer = signer
	st.sweeper = sweeper
	return nil
}

// start runs the pipeline pools and the eviction sweeper until ctx is done.
func (st *stack) start(ctx context.Context) {
	st.wg.Add(2)
	go func() {
		defer st.wg.Done()
		st.coordinator.Run(ctx)
	}()
	go func() {
		defer st.wg.Done()
		st.sweeper.Run(ctx)
	}()
}

// reload applies the settings that can change without a restart.
func (st *stack) reload(cfg *config.Config) {
	if l, ok := st.limiter.(interface{ SetLimits(ratelimit.Limits) }); ok {
		l.SetLimits(limitsOf(cfg))
	}
	st.coordinator.SetArrivalThreshold(cfg.Pipeline.ArrivalThreshold)

	extraction, synthesis := cfg.ProviderConfigs()
	if err := st.providers.Reload(extraction, synthesis); err != nil {
		st.logger.Error("provider reload failed, keeping previous providers", "error", err)
		return
	}
	st.logger.Info("configuration reloaded")
}

func (st *stack) wait() {
	st.wg.Wait()
}

// close releases connections in reverse order of creation.
func (st *stack) close() {
	for i := len(st.closers) - 1; i >= 0; i-- {
		st.closers[i]()
	}
	st.closers = nil
}
