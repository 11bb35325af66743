package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Veterun/RENDLER/internal/config"
	"github.com/Veterun/RENDLER/internal/executor"
	"github.com/Veterun/RENDLER/internal/executor/crawl"
	"github.com/Veterun/RENDLER/internal/executor/render"
	"github.com/Veterun/RENDLER/internal/hash/sha256"
	"github.com/Veterun/RENDLER/internal/policy/ratelimit"
	"github.com/Veterun/RENDLER/internal/progress"
	"github.com/Veterun/RENDLER/internal/progress/sinks"
	memorypublisher "github.com/Veterun/RENDLER/internal/publisher/memory"
	pubsubpublisher "github.com/Veterun/RENDLER/internal/publisher/pubsub"
	"github.com/Veterun/RENDLER/internal/rendler"
	"github.com/Veterun/RENDLER/internal/storage/gcs"
	"github.com/Veterun/RENDLER/internal/storage/local"
	"github.com/Veterun/RENDLER/internal/storage/memory"
	"github.com/Veterun/RENDLER/internal/storage/postgres"
	"github.com/Veterun/RENDLER/internal/store"
)

// closer releases a resource acquired while wiring.
type closer func()

func newBlobStore(ctx context.Context, cfg config.StorageConfig) (rendler.BlobStore, closer, error) {
	switch cfg.Backend {
	case config.StorageMemory:
		return memory.NewBlobStore(), nil, nil
	case config.StorageLocal:
		blobs, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, nil, fmt.Errorf("local blob store: %w", err)
		}
		return blobs, nil, nil
	case config.StorageGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("storage client: %w", err)
		}
		blobs, err := gcs.New(client, gcs.Config{
			Bucket:       cfg.Bucket,
			Prefix:       cfg.Prefix,
			CacheControl: cfg.CacheControl,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("gcs blob store: %w", err)
		}
		return blobs, func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func newResultStore(ctx context.Context, cfg config.DBConfig) (store.ResultRepository, closer, error) {
	if cfg.DSN == "" {
		return memory.NewResultStore(), nil, nil
	}
	results, err := postgres.NewResultStore(ctx, postgres.Config{
		DSN:             cfg.DSN,
		Tables:          postgres.Tables(cfg.Tables),
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: time.Duration(cfg.MaxConnLifetimeSeconds) * time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres result store: %w", err)
	}
	return results, results.Close, nil
}

func newPublisher(ctx context.Context, cfg config.PubSubConfig) (rendler.Publisher, closer, error) {
	if cfg.ProjectID == "" {
		return memorypublisher.New(), nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client, cfg.TopicName)
	return pub, func() {
		pub.Close()
		_ = client.Close()
	}, nil
}

func newHub(
	cfg config.ProgressConfig,
	reg prometheus.Registerer,
	results store.ResultRepository,
	pub rendler.Publisher,
	topic string,
	logger *zap.Logger,
) (*progress.Hub, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink: %w", err)
	}
	sinkList := []progress.Sink{
		promSink,
		sinks.NewStoreSink(results, logger.Named("store_sink")),
		sinks.NewPublisherSink(pub, topic, logger.Named("publisher_sink")),
	}
	if cfg.LogEnabled {
		sinkList = append(sinkList, sinks.NewLogSink(logger.Named("progress")))
	}
	return progress.NewHub(progress.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.MaxBatchEvents,
		MaxBatchWait:   time.Duration(cfg.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(cfg.SinkTimeoutMs) * time.Millisecond,
		Logger:         logger.Named("progress"),
	}, sinkList...), nil
}

// NewRunner builds the task runner for kind from the executor settings. Render runners
// write images to blobs. The returned closer may be nil.
func NewRunner(
	kind rendler.TaskKind,
	cfg config.ExecutorConfig,
	blobs rendler.BlobStore,
	limiter *ratelimit.Limiter,
	logger *zap.Logger,
) (executor.Runner, closer, error) {
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{RequestsPerSecond: cfg.RequestsPerSecond, Burst: cfg.Burst})
	}
	switch kind {
	case rendler.KindCrawl:
		return crawl.New(crawl.Config{
			UserAgent:     cfg.UserAgent,
			Timeout:       cfg.Timeout(),
			RespectRobots: cfg.RespectRobots,
			MaxLinks:      cfg.MaxLinks,
			SameHostOnly:  cfg.SameHostOnly,
		}, limiter, logger.Named("crawl")), nil, nil
	case rendler.KindRender:
		chrome, err := render.NewChrome(render.ChromeConfig{
			MaxParallel:       cfg.RenderMaxParallel,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: cfg.NavTimeout(),
			ViewportWidth:     cfg.ViewportWidth,
			ViewportHeight:    cfg.ViewportHeight,
			ExecPath:          cfg.ChromeExecPath,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("chrome: %w", err)
		}
		renderer, err := render.New(chrome, blobs, sha256.New(), cfg.ImagePrefix, limiter, logger.Named("render"))
		if err != nil {
			chrome.Close()
			return nil, nil, fmt.Errorf("renderer: %w", err)
		}
		return renderer, chrome.Close, nil
	default:
		return nil, nil, errors.New("unknown task kind " + string(kind))
	}
}

func runners(
	cfg config.ExecutorConfig,
	blobs rendler.BlobStore,
	logger *zap.Logger,
) (map[rendler.TaskKind]executor.Runner, []closer, error) {
	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: cfg.RequestsPerSecond, Burst: cfg.Burst})
	out := make(map[rendler.TaskKind]executor.Runner, 2)
	var closers []closer
	for _, kind := range []rendler.TaskKind{rendler.KindCrawl, rendler.KindRender} {
		runner, done, err := NewRunner(kind, cfg, blobs, limiter, logger)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return nil, nil, err
		}
		out[kind] = runner
		if done != nil {
			closers = append(closers, done)
		}
	}
	return out, closers, nil
}
