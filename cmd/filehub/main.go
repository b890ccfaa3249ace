// Command filehub runs the file service: the streaming and admin HTTP
// surface over the configured sqlite state database.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/filehub/filehub/configuration"
	"github.com/filehub/filehub/jobs"
	"github.com/filehub/filehub/mount"
	"github.com/filehub/filehub/quota"
	"github.com/filehub/filehub/schedule"
	"github.com/filehub/filehub/server"
	"github.com/filehub/filehub/store"
	"github.com/filehub/filehub/version"

	// Backend registrations.
	_ "github.com/filehub/filehub/storage/driver/chatbot"
	_ "github.com/filehub/filehub/storage/driver/github"
	_ "github.com/filehub/filehub/storage/driver/graph"
	_ "github.com/filehub/filehub/storage/driver/hfds"
	_ "github.com/filehub/filehub/storage/driver/local"
	_ "github.com/filehub/filehub/storage/driver/mirror"
	_ "github.com/filehub/filehub/storage/driver/s3"
	_ "github.com/filehub/filehub/storage/driver/webdav"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	showVersion := false
	root := &cobra.Command{
		Use:   "filehub",
		Short: "Multi-backend file service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				version.PrintVersion()
				return nil
			}
			return cmd.Usage()
		},
	}
	root.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")
	root.AddCommand(serveCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve <config>",
		Short: "Run the filehub server",
		Long:  "Run the filehub server with the yaml configuration at <config>; omit it to serve on defaults.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := resolveConfiguration(args)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), config)
		},
	}
}

func resolveConfiguration(args []string) (*configuration.Configuration, error) {
	if len(args) == 0 {
		// An empty current-version document; Parse fills the defaults.
		return configuration.Parse(strings.NewReader("version: 0.1\n"))
	}

	fp, err := os.Open(args[0])
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", args[0], err)
	}
	return config, nil
}

func serve(ctx context.Context, config *configuration.Configuration) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	configureLogging(config)
	log := logrus.WithField("version", version.Version())
	log.Infof("starting filehub")

	s, err := store.Open(ctx, config.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database %s: %w", config.Database.Path, err)
	}
	defer s.Close()

	box, err := store.NewSecretBox(config.Secrets.Key)
	if err != nil {
		return fmt.Errorf("secrets.key (or FILEHUB_SECRETS_KEY) must be set: %w", err)
	}

	mounts := mount.NewManager(s, box)
	q := quota.NewEngine(s, mounts)
	runner := schedule.NewRunner(s)
	engine := jobs.NewEngine(s, config.Jobs.Parallelism)
	index := jobs.NewIndexer(s, mounts)
	copier := &jobs.Copier{
		Mounts:            mounts,
		Quota:             q,
		OverwriteExisting: config.Copy.OverwriteExisting,
	}

	jobs.RegisterScheduleHandlers(runner, s, q, index, engine, copier)
	if err := seedScheduledJobs(ctx, s); err != nil {
		return err
	}
	go runner.Start(ctx)

	if config.HTTP.Debug.Addr != "" {
		go serveDebug(config)
	}

	web := server.New(config, s, box, mounts, q, runner, engine, index, copier)
	web.Health().RegisterFunc("scheduler", func() error {
		info := runner.Ticker()
		if info.LastTick != nil && info.NowMs-info.LastTick.Ms > 5*time.Minute.Milliseconds() {
			return fmt.Errorf("scheduler has not ticked since %s", info.LastTick.At)
		}
		return nil
	})

	srv := &http.Server{
		Addr:    config.HTTP.Addr,
		Handler: web.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Error("shutting down http server")
		}
	}()

	log.Infof("listening on %s", config.HTTP.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func serveDebug(config *configuration.Configuration) {
	mux := http.NewServeMux()
	if config.HTTP.Debug.Prometheus.Enabled {
		mux.Handle(config.HTTP.Debug.Prometheus.Path, promhttp.Handler())
	}
	logrus.Infof("debug server listening on %s", config.HTTP.Debug.Addr)
	if err := http.ListenAndServe(config.HTTP.Debug.Addr, mux); err != nil {
		logrus.WithError(err).Error("debug server exited")
	}
}

func configureLogging(config *configuration.Configuration) {
	level, err := logrus.ParseLevel(string(config.Log.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if config.Log.Formatter == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339Nano})
	}

	if len(config.Log.Fields) > 0 {
		fields := logrus.Fields{}
		for k, v := range config.Log.Fields {
			fields[k] = v
		}
		logrus.StandardLogger().AddHook(&fieldHook{fields: fields})
	}
}

// fieldHook stamps the configured default fields onto every entry.
type fieldHook struct {
	fields logrus.Fields
}

func (h *fieldHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *fieldHook) Fire(e *logrus.Entry) error {
	for k, v := range h.fields {
		if _, present := e.Data[k]; !present {
			e.Data[k] = v
		}
	}
	return nil
}

// seedScheduledJobs registers the built-in schedule the first time a
// database is used. Admin edits survive restarts because existing rows are
// left alone.
func seedScheduledJobs(ctx context.Context, s *store.Store) error {
	defaults := []store.ScheduledJob{
		{TaskID: jobs.HandlerUsageRefresh, HandlerName: jobs.HandlerUsageRefresh,
			IntervalSeconds: int64ptr(3600), Enabled: true},
		{TaskID: jobs.HandlerIndexApplyDirty, HandlerName: jobs.HandlerIndexApplyDirty,
			IntervalSeconds: int64ptr(300), Enabled: true},
	}
	for i := range defaults {
		if _, err := s.GetScheduledJob(ctx, defaults[i].TaskID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := s.UpsertScheduledJob(ctx, &defaults[i]); err != nil {
			return err
		}
	}
	return nil
}

func int64ptr(n int64) *int64 { return &n }
