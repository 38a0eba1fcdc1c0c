// gridweather ingester
//
// Serves the internal ingestion trigger endpoint (POST /ingest, machine
// authenticated) and runs a periodic sweep over completed downloads
// plus catalog retention.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jcom-dev/gridweather/internal/catalog"
	"github.com/jcom-dev/gridweather/internal/config"
	"github.com/jcom-dev/gridweather/internal/grib2"
	"github.com/jcom-dev/gridweather/internal/gridstore"
	"github.com/jcom-dev/gridweather/internal/ingestion"
	custommw "github.com/jcom-dev/gridweather/internal/middleware"
)

const maxUploadBytes = 1 << 30

func main() {
	root := &cobra.Command{
		Use:   "ingester",
		Short: "Decode downloaded files into the chunked grid store",
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the trigger endpoint and the periodic ingest sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	})
	root.AddCommand(retentionCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type server struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	cat      *catalog.PG
	state    *catalog.PGDownloads
	store    gridstore.ObjectStore
	ingester *ingestion.Ingester
	trigger  *ingestion.IngestTrigger
}

func newServer(ctx context.Context) (*server, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file, using process environment")
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	cfg := config.Load()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	cat := catalog.NewPG(pool)
	if err := cat.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

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

	ingester := ingestion.NewIngester(store, cat, grib2.DefaultParameters(), gridstore.WriteOptions{
		Compression: gridstore.CompressionZstd,
	})
	state := catalog.NewPGDownloads(pool)
	return &server{
		cfg: cfg, pool: pool, cat: cat, state: state, store: store,
		ingester: ingester,
		trigger:  ingestion.NewIngestTrigger(state, store, ingester),
	}, nil
}

func serve(ctx context.Context) error {
	s, err := newServer(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Close()

	m2m := custommw.NewM2MAuthMiddleware(s.cfg.M2MTokenMap())

	r := chi.NewRouter()
	r.Use(custommw.RequestID)
	r.Use(custommw.Logger)
	r.Use(custommw.Recoverer)
	r.Use(custommw.LogFailedRequestBodies)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Group(func(r chi.Router) {
		r.Use(m2m.RequireM2M)
		r.Post("/ingest", s.handleIngest)
		r.Post("/ingest/grib2", s.handleUploadGRIB2)
		r.Post("/ingest/goes", s.handleUploadGOES)
	})

	srv := &http.Server{
		Addr:        ":8081",
		Handler:     r,
		ReadTimeout: 5 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Periodic sweep so completions ingest even without a trigger call.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.trigger.Run(ctx); err != nil {
					slog.Error("ingest sweep failed", "error", err)
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("ingester listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// handleIngest runs one sweep over completed downloads on demand. The
// downloader calls this via INGESTER_URL after each cycle.
func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if err := s.trigger.Run(r.Context()); err != nil {
		slog.Error("triggered ingest failed", "error", err)
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleUploadGRIB2 ingests a GRIB2 file posted directly, for backfill
// tooling.
func (s *server) handleUploadGRIB2(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	if model == "" {
		http.Error(w, "model query parameter is required", http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	n, err := s.ingester.IngestGRIB2(r.Context(), data, model)
	if err != nil {
		slog.Error("grib2 upload ingest failed", "model", model, "error", err)
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"ingested": n})
}

// handleUploadGOES ingests an ABI CMI NetCDF file posted directly.
func (s *server) handleUploadGOES(w http.ResponseWriter, r *http.Request) {
	satellite := r.URL.Query().Get("satellite")
	parameter := r.URL.Query().Get("parameter")
	if satellite == "" || parameter == "" {
		http.Error(w, "satellite and parameter query parameters are required", http.StatusBadRequest)
		return
	}
	observed := time.Now().UTC().Truncate(time.Minute)
	if ts := r.URL.Query().Get("observed"); ts != "" {
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			http.Error(w, "bad observed timestamp", http.StatusBadRequest)
			return
		}
		observed = parsed.UTC()
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	if err := s.ingester.IngestGOES(r.Context(), data, satellite, parameter, observed); err != nil {
		slog.Error("goes upload ingest failed", "satellite", satellite, "error", err)
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func retentionCmd() *cobra.Command {
	var model string
	var keepHours int
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Delete datasets older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := newServer(cmd.Context())
			if err != nil {
				return err
			}
			defer s.pool.Close()

			cutoff := time.Now().UTC().Add(-time.Duration(keepHours) * time.Hour)
			paths, err := s.cat.DeleteOlderThan(cmd.Context(), model, cutoff)
			if err != nil {
				return err
			}
			for _, path := range paths {
				if err := gridstore.Delete(cmd.Context(), s.store, path); err != nil {
					slog.Error("failed to delete dataset objects", "path", path, "error", err)
				}
			}
			slog.Info("retention sweep finished", "model", model, "removed", len(paths), "cutoff", cutoff)
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model id to sweep")
	cmd.Flags().IntVar(&keepHours, "keep-hours", 72, "retention window in hours")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}
