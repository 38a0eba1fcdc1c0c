// gridweather downloader
//
// Polls configured model sources, enqueues new files into the download
// state store, fetches them with range-resume into the staging area of
// object storage, and triggers ingestion on completion.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jcom-dev/gridweather/internal/catalog"
	"github.com/jcom-dev/gridweather/internal/config"
	"github.com/jcom-dev/gridweather/internal/grib2"
	"github.com/jcom-dev/gridweather/internal/gridstore"
	"github.com/jcom-dev/gridweather/internal/ingestion"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "downloader",
		Short: "Fetch model output into the staging store",
	}
	root.AddCommand(runCmd(), onceCmd())
	return root
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll sources and download continuously",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLoop(cmd.Context())
		},
	}
}

func onceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single poll/download/ingest cycle and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()
			return env.cycle(cmd.Context())
		},
	}
}

type environment struct {
	cfg        *config.Config
	pool       *pgxpool.Pool
	state      *catalog.PGDownloads
	models     []*ingestion.ModelConfig
	downloader *ingestion.Downloader
	trigger    *ingestion.IngestTrigger
	sources    *s3.Client
}

func (e *environment) close() { e.pool.Close() }

func setup(ctx context.Context) (*environment, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file, using process environment")
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	cfg := config.Load()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := catalog.NewPG(pool).Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	state := catalog.NewPGDownloads(pool)

	models, err := ingestion.LoadModelConfigDir(cfg.ModelConfigDir)
	if err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("model configs loaded", "count", len(models))

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = &cfg.S3Endpoint
		}
		o.UsePathStyle = cfg.S3ForcePathStyle
	})
	store := gridstore.NewS3Store(s3Client, cfg.S3Bucket)

	ingester := ingestion.NewIngester(store, catalog.NewPG(pool), grib2.DefaultParameters(), gridstore.WriteOptions{
		Compression: gridstore.CompressionZstd,
	})
	downloader := ingestion.NewDownloader(state, store, &http.Client{Timeout: 10 * time.Minute}, cfg.IngestWorkerCount)
	trigger := ingestion.NewIngestTrigger(state, store, ingester)

	return &environment{
		cfg: cfg, pool: pool, state: state, models: models,
		downloader: downloader, trigger: trigger, sources: s3Client,
	}, nil
}

// cycle polls every enabled model's source bucket, enqueues new files,
// runs the download cycle and triggers ingestion of completions. With
// INGESTER_URL set, completions are handed to the remote ingester
// instead of decoded in-process.
func (e *environment) cycle(ctx context.Context) error {
	for _, model := range e.models {
		if !model.Enabled {
			continue
		}
		if err := e.pollModel(ctx, model); err != nil {
			slog.Error("source poll failed, continuing", "model", model.ID, "error", err)
		}
	}
	if err := e.downloader.RunCycle(ctx); err != nil {
		return err
	}
	if e.cfg.IngesterURL != "" {
		return e.triggerRemote(ctx)
	}
	return e.trigger.Run(ctx)
}

// triggerRemote POSTs to the ingester's machine-authenticated trigger
// endpoint. Failures are logged, not fatal: the ingester's own periodic
// sweep catches anything a missed trigger leaves behind.
func (e *environment) triggerRemote(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.IngesterURL+"/ingest", nil)
	if err != nil {
		return err
	}
	for token := range e.cfg.M2MTokenMap() {
		req.Header.Set("Authorization", "Bearer "+token)
		break
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		slog.Warn("remote ingest trigger failed", "url", e.cfg.IngesterURL, "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Warn("remote ingest trigger rejected", "url", e.cfg.IngesterURL, "status", resp.StatusCode)
	}
	return nil
}

// pollModel lists the current cycle's prefix in the model's public
// bucket and enqueues matching files.
func (e *environment) pollModel(ctx context.Context, model *ingestion.ModelConfig) error {
	now := time.Now().UTC().Add(-time.Duration(model.Schedule.DelayHours) * time.Hour)
	cycle := latestCycle(model.Schedule.Cycles, now.Hour())
	prefix := strings.NewReplacer(
		"{date}", now.Format("20060102"),
		"{cycle}", fmt.Sprintf("%02d", cycle),
	).Replace(model.Source.PrefixTemplate)

	out, err := e.sources.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(model.Source.Bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return err
	}
	enqueued := 0
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if !matchesPattern(key, model) {
			continue
		}
		url := fmt.Sprintf("https://%s.s3.amazonaws.com/%s", model.Source.Bucket, key)
		name := key[strings.LastIndexByte(key, '/')+1:]
		if _, err := e.state.Enqueue(ctx, url, name, model.ID); err != nil {
			slog.Warn("enqueue failed", "url", url, "error", err)
			continue
		}
		enqueued++
	}
	slog.Info("source polled", "model", model.ID, "prefix", prefix, "listed", len(out.Contents), "enqueued", enqueued)
	return nil
}

// matchesPattern keeps only the configured forecast hours of files
// matching the model's file pattern skeleton.
func matchesPattern(key string, model *ingestion.ModelConfig) bool {
	if model.Source.FilePattern == "" {
		return true
	}
	// The pattern's literal pieces around {cycle}/{fhr} must all appear.
	skeleton := strings.NewReplacer("{cycle}", "*", "{fhr}", "*").Replace(model.Source.FilePattern)
	for _, piece := range strings.FieldsFunc(skeleton, func(r rune) bool { return r == '*' }) {
		if !strings.Contains(key, piece) {
			return false
		}
	}
	if len(model.ForecastHours) > 0 {
		matched := false
		for _, fh := range model.ForecastHours {
			if strings.Contains(key, fmt.Sprintf("f%03d", fh)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func latestCycle(cycles []int, hour int) int {
	best := 0
	for _, c := range cycles {
		if c <= hour && c >= best {
			best = c
		}
	}
	return best
}

func runLoop(ctx context.Context) error {
	env, err := setup(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	interval := 5 * time.Minute
	for _, m := range env.models {
		if d := time.Duration(m.Schedule.PollIntervalSecs) * time.Second; d < interval {
			interval = d
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("downloader running", "poll_interval", interval)

	if err := env.cycle(ctx); err != nil {
		slog.Error("cycle failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("downloader stopping")
			return nil
		case <-ticker.C:
			if err := env.cycle(ctx); err != nil {
				slog.Error("cycle failed", "error", err)
			}
		}
	}
}
