package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/glizzus/sound-stream/internal/config"
	"github.com/glizzus/sound-stream/internal/datalayer"
	"github.com/glizzus/sound-stream/internal/handler"
	"github.com/glizzus/sound-stream/internal/metrics"
	"github.com/glizzus/sound-stream/internal/voice"
	"github.com/glizzus/sound-stream/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

var (
	dryRun  = flag.Bool("dry-run", false, "Do not use Discord, just print job info to terminal")
	preload = flag.Duration("preload", 5*time.Second, "How long before a job's run time to start decoding its audio")
)

// openSession connects the Discord session. Tests replace it.
var openSession = (*discordgo.Session).Open

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server stopped", slog.Any("error", err))
		}
	}()
	return srv
}

// newStorage returns nil when MinIO is not configured; stored clips are then
// unavailable but everything else works.
func newStorage(ctx context.Context) (*datalayer.MinioStorage, error) {
	if os.Getenv("MINIO_ENDPOINT") == "" {
		slog.Warn("MINIO_ENDPOINT is not set, stored clips are disabled")
		return nil, nil
	}
	storage, err := datalayer.NewMinioStorageFromEnv()
	if err != nil {
		return nil, err
	}
	if err := storage.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket: %w", err)
	}
	return storage, nil
}

func busiestChannel(s *discordgo.Session) worker.ChannelPicker {
	return func(guildID string) (string, error) {
		guild, err := s.State.Guild(guildID)
		if err != nil {
			return "", fmt.Errorf("guild %s is not cached: %w", guildID, err)
		}
		return handler.MaxAttendedChannel(guild), nil
	}
}

func runWorkerForever(ctx context.Context) error {
	slog.SetLogLoggerLevel(slog.LevelDebug)
	if err := config.LoadEnv(); err != nil {
		if os.IsNotExist(err) {
			slog.Warn("No .env file found, continuing without it")
		} else {
			return fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	redisConfig, err := config.NewRedisConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load redis config: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisConfig.Addr,
		Password: redisConfig.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer rdb.Close()

	consumer, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}

	jobReceiver, err := worker.NewRedisJobReceiver(ctx, rdb, worker.ReceiverOptions{
		Stream:   redisConfig.JobStream,
		Group:    redisConfig.JobGroup,
		Consumer: consumer,
	})
	if err != nil {
		return fmt.Errorf("failed to create job receiver: %w", err)
	}

	var jobHandler worker.JobHandler = &worker.PrintingJobHandler{}
	if !*dryRun {
		rt, err := newVoiceRuntime(ctx, rdb, redisConfig)
		if err != nil {
			return err
		}
		defer rt.close()
		jobHandler = rt.jobs
	}

	slog.Info("Waiting for jobs",
		slog.String("stream", redisConfig.JobStream),
		slog.String("consumer", consumer),
		slog.Bool("dryRun", *dryRun),
	)
	for {
		jobs, err := jobReceiver.ReceiveJobs(ctx)
		if ctx.Err() != nil {
			slog.Info("Shutting down")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to receive jobs: %w", err)
		}
		if len(jobs) == 0 {
			continue
		}

		if err := jobHandler.HandleJobs(ctx, jobs...); err != nil {
			slog.Error("Failed to handle jobs", slog.Any("error", err))
			continue
		}
		if err := jobReceiver.Ack(ctx, jobs...); err != nil {
			slog.Error("Failed to ack jobs", slog.Any("error", err))
		}
	}
}

type voiceRuntime struct {
	jobs    *worker.VoiceJobHandler
	manager *voice.Manager
	session *discordgo.Session
	metrics *http.Server
}

// newVoiceRuntime starts everything the voice job handler needs. On error,
// whatever was already started is shut down again.
func newVoiceRuntime(ctx context.Context, rdb *redis.Client, redisConfig *config.RedisConfig) (_ *voiceRuntime, err error) {
	discordConfig, err := config.NewDiscordConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load discord config: %w", err)
	}
	voiceConfig, err := config.NewVoiceConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load voice config: %w", err)
	}
	metricsConfig, err := config.NewMetricsConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics config: %w", err)
	}

	storage, err := newStorage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to set up blob storage: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	voiceMetrics := metrics.New(reg)
	rt := &voiceRuntime{}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()
	if metricsConfig.Addr != "" {
		rt.metrics = serveMetrics(metricsConfig.Addr, reg)
	}

	session, err := handler.NewSession(discordConfig.Token, handler.Handlers{
		Ready: handler.ReadyLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	joiner := handler.NewVoiceJoiner(session, discordConfig.VoiceJoinTimeout)
	rt.session = session
	if err := openSession(session); err != nil {
		return nil, fmt.Errorf("failed to open discord session: %w", err)
	}

	publisher := worker.NewRedisEventPublisher(rdb, redisConfig.EventStream, redisConfig.EventStreamMaxLen)
	rt.manager = voice.NewManager(joiner, voice.ManagerOptions{
		Gateway:    voiceConfig.Gateway(),
		UDP:        voiceConfig.UDP(),
		Connection: voice.Options{Playout: voiceConfig.Playout()},
		Metrics:    voiceMetrics,
		OnNotification: func(guildID string, n voice.Notification) {
			if err := publisher.Publish(context.Background(), guildID, n); err != nil {
				slog.Error("Failed to publish voice event",
					slog.String("guildID", guildID),
					slog.Any("error", err),
				)
			}
		},
	})

	resolver := &worker.MediaResolver{
		Audio:   voiceConfig.Audio(),
		Encoder: voiceConfig.Encoder(),
	}
	if storage != nil {
		resolver.Storage = storage
	}
	rt.jobs = worker.NewVoiceJobHandler(rt.manager, resolver, worker.VoiceJobHandlerOptions{
		PickChannel: busiestChannel(session),
		Preload:     *preload,
	})
	return rt, nil
}

// close stops whatever parts of the runtime were started.
func (rt *voiceRuntime) close() {
	if rt.jobs != nil {
		rt.jobs.Wait()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if rt.manager != nil {
		if err := rt.manager.Close(ctx); err != nil {
			slog.Error("failed to leave voice channels", "error", err)
		}
	}
	if rt.session != nil {
		if err := rt.session.Close(); err != nil {
			slog.Error("failed to close discord session", "error", err)
		}
	}
	if rt.metrics != nil {
		if err := rt.metrics.Shutdown(ctx); err != nil {
			slog.Error("failed to stop metrics server", "error", err)
		}
	}
}

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runWorkerForever(ctx); err != nil {
		slog.Error("Worker encountered an error", slog.Any("error", err))
		os.Exit(1)
	}
}
