// gridweather API server
//
// Serves the three public rendering surfaces over the chunked grid
// store: WMS 1.3.0 map images, WMTS 1.0.0 tiles and OGC EDR queries,
// plus machine-authenticated admin endpoints for cache control and
// metrics.
//
//	@title			gridweather API
//	@version		1.0
//	@description	Weather-data serving platform: WMS/WMTS map tiles, EDR point and area queries, derived raster products.
//
//	@host			localhost:8080
//	@BasePath		/
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	_ "github.com/jcom-dev/gridweather/docs" // swagger generated docs

	"github.com/jcom-dev/gridweather/internal/catalog"
	"github.com/jcom-dev/gridweather/internal/config"
	"github.com/jcom-dev/gridweather/internal/edr"
	"github.com/jcom-dev/gridweather/internal/gridstore"
	"github.com/jcom-dev/gridweather/internal/metrics"
	custommw "github.com/jcom-dev/gridweather/internal/middleware"
	"github.com/jcom-dev/gridweather/internal/ratelimit"
	"github.com/jcom-dev/gridweather/internal/render"
	"github.com/jcom-dev/gridweather/internal/tilecache"
	"github.com/jcom-dev/gridweather/internal/validation"
	"github.com/jcom-dev/gridweather/internal/wms"
	"github.com/jcom-dev/gridweather/internal/wmts"
)

// rateLimiterAdapter bridges ratelimit.Limiter to the middleware's
// interface without an import cycle.
type rateLimiterAdapter struct {
	limiter *ratelimit.Limiter
	minute  int
	hour    int
}

func (a *rateLimiterAdapter) Check(ctx context.Context, clientID string) (*custommw.RateLimitResult, error) {
	result, err := a.limiter.CheckWithLimits(ctx, clientID, a.minute, a.hour)
	if err != nil {
		return nil, err
	}
	return &custommw.RateLimitResult{
		Allowed:         result.Allowed,
		MinuteRemaining: result.MinuteRemaining,
		HourRemaining:   result.HourRemaining,
		MinuteReset:     result.MinuteReset,
		HourReset:       result.HourReset,
		RetryAfter:      result.RetryAfter,
	}, nil
}

func newS3Client(cfg *config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = &cfg.S3Endpoint
		}
		o.UsePathStyle = cfg.S3ForcePathStyle
	}), nil
}

// layersFromCollections derives the advertised WMS/WMTS layers from the
// EDR collection config: one layer per (model, parameter), styled with
// every configured style.
func layersFromCollections(cols *edr.CollectionSet, styles *render.StyleSet) []wmts.LayerDef {
	var layers []wmts.LayerDef
	seen := map[string]bool{}
	for _, c := range cols.All() {
		for _, p := range c.Parameters {
			name := c.Model + "_" + p.Name
			if seen[name] {
				continue
			}
			seen[name] = true
			layers = append(layers, wmts.LayerDef{
				Name:   name,
				Title:  c.Title + " " + p.Name,
				Styles: styles.Names(),
			})
		}
	}
	return layers
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file, using process environment")
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg := config.Load()

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()
	cat := catalog.NewPG(pool)
	if err := cat.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate catalog schema: %v", err)
	}
	slog.Info("catalog connected")

	s3Client, err := newS3Client(cfg)
	if err != nil {
		log.Fatalf("failed to build S3 client: %v", err)
	}
	store := gridstore.NewS3Store(s3Client, cfg.S3Bucket)

	styleDir := cfg.StyleConfigDir
	if env := os.Getenv("STYLE_CONFIG_DIR"); env != "" {
		styleDir = env
	}
	styles, err := render.LoadStyleDir(styleDir)
	if err != nil {
		log.Fatalf("failed to load styles from %s: %v", styleDir, err)
	}
	if len(styles.Styles) == 0 {
		log.Fatalf("no styles configured under %s", styleDir)
	}
	slog.Info("styles loaded", "count", len(styles.Styles), "dir", styleDir)

	collections, err := edr.LoadCollectionsDir(cfg.EDRConfigDir)
	if err != nil {
		log.Fatalf("failed to load EDR collections from %s: %v", cfg.EDRConfigDir, err)
	}
	slog.Info("EDR collections loaded", "count", len(collections.All()))

	chunkCache := gridstore.NewChunkCache(cfg.ChunkCacheBudgetBytes())
	reg := metrics.New()
	pipeline := render.NewPipeline(cat, store, chunkCache, styles, reg)

	l1 := tilecache.NewL1(cfg.TileCacheL1BudgetBytes(), cfg.TileCacheL2TTL())
	l2 := tilecache.NewL2(cfg.RedisURL, cfg.TileCacheL2TTL())
	tiles := tilecache.NewTiered(l1, l2)
	defer l2.Close()

	planner := edr.NewPlanner(collections, cat, store, chunkCache)

	layers := layersFromCollections(collections, styles)
	wmsLayers := make([]wms.LayerDef, len(layers))
	for i, l := range layers {
		wmsLayers[i] = wms.LayerDef(l)
	}

	baseURL := "http://localhost:" + cfg.APIPort
	wmtsHandler := wmts.NewHandler(pipeline, tiles, cat, store, layers, baseURL)
	wmsHandler := wms.NewHandler(pipeline, tiles, cat, store, wmsLayers, baseURL)
	edrHandler := edr.NewHandler(planner)

	var limiterMW func(http.Handler) http.Handler
	if redisOpt, err := redis.ParseURL(cfg.RedisURL); err == nil {
		redisClient := redis.NewClient(redisOpt)
		limiter := &rateLimiterAdapter{
			limiter: ratelimit.New(redisClient),
			minute:  cfg.RateLimitMinute,
			hour:    cfg.RateLimitHour,
		}
		limiterMW = custommw.NewExternalRateLimiter(limiter).Middleware
	}

	m2m := custommw.NewM2MAuthMiddleware(cfg.M2MTokenMap())

	r := chi.NewRouter()
	r.Use(custommw.RealIP)
	r.Use(custommw.RequestID)
	r.Use(custommw.Logger)
	r.Use(custommw.Recoverer)
	r.Use(custommw.SecurityHeaders)
	r.Use(custommw.Timeout(2 * time.Minute))
	r.Use(custommw.OriginVerify)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/swagger/*", httpSwagger.WrapHandler)

	mountPublic := func(path string, handler chi.Router) {
		r.Route(path, func(sub chi.Router) {
			sub.Use(m2m.OptionalM2M)
			if limiterMW != nil {
				sub.Use(limiterMW)
			}
			sub.Mount("/", handler)
		})
	}
	mountPublic("/wms", wmsHandler.Routes())
	mountPublic("/wmts", wmtsHandler.Routes())
	mountPublic("/edr", edrHandler.Routes())

	r.Route("/admin", func(sub chi.Router) {
		sub.Use(m2m.RequireM2M)
		sub.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"metrics":     reg.Snapshot(),
				"tile_cache":  tiles.L1Stats(),
				"chunk_cache": chunkCache.Stats(),
			})
		})
		sub.Post("/cache/evict", func(w http.ResponseWriter, req *http.Request) {
			p, _ := strconv.ParseFloat(req.URL.Query().Get("percent"), 64)
			if p <= 0 {
				p = 10
			}
			n := tiles.EvictPercentage(p)
			slog.Info("admin cache eviction", "percent", p, "evicted", n,
				"client", custommw.GetClientID(req.Context()))
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]int{"evicted": n})
		})
	})

	if opts := validation.OptionsFromEnv(); opts.Enabled {
		var targets []validation.LayerStyle
		for _, l := range layers {
			for _, s := range l.Styles {
				targets = append(targets, validation.LayerStyle{Layer: l.Name, Style: s})
			}
		}
		report := validation.Run(ctx, pipeline, targets, opts)
		slog.Info("startup validation finished",
			"checks", len(report.Checks), "failed", report.Failed(),
			"duration", report.Finished.Sub(report.Started))
		if opts.FailOnError && report.Failed() > 0 {
			log.Fatalf("startup validation failed %d checks", report.Failed())
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("api server listening",
			"port", cfg.APIPort,
			"tile_cache_budget", humanize.IBytes(uint64(cfg.TileCacheL1BudgetBytes())),
			"chunk_cache_budget", humanize.IBytes(uint64(cfg.ChunkCacheBudgetBytes())))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
}
