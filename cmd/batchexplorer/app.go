package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Azure/BatchExplorer-sub004/internal/batch"
	"github.com/Azure/BatchExplorer-sub004/internal/client"
	"github.com/Azure/BatchExplorer-sub004/internal/config"
	"github.com/Azure/BatchExplorer-sub004/internal/logging"
	"github.com/Azure/BatchExplorer-sub004/internal/metrics"
	"github.com/Azure/BatchExplorer-sub004/internal/session"
	"github.com/Azure/BatchExplorer-sub004/internal/storage/s3"
	"github.com/Azure/BatchExplorer-sub004/internal/storage/sqlstore"
)

// needsIndex marks commands that open the SQL file index.
const needsIndex = "index"

// app is the state shared by the commands of one invocation.
type app struct {
	cfgPath  string
	logLevel string
	watch    bool
	output   string

	cfg     *config.Config
	session *session.Session
	client  *client.Client
	svc     *batch.Services
	out     io.Writer
	closers []func()
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "batchexplorer",
		Short:         "Browse batch account resources through a local cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "Path to a TOML config file (default "+config.DefaultPath+" if present)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override the configured log level")
	root.PersistentFlags().BoolVarP(&a.watch, "watch", "w", false, "Keep polling and print every change until interrupted")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "table", "Output format: table or json")

	root.AddCommand(
		newPoolsCmd(a),
		newJobsCmd(a),
		newTasksCmd(a),
		newDeleteCmd(a),
		newFilesCmd(a),
		newBlobsCmd(a),
		newIndexCmd(a),
		newLocalCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if a.out == nil {
		a.out = cmd.OutOrStdout()
	}
	if a.output != "table" && a.output != "json" {
		return fmt.Errorf("unknown output format %q", a.output)
	}

	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	a.cfg = cfg

	if err := logging.Init(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("logging init: %w", err)
	}
	a.onClose(func() { _ = logging.Sync() })

	if cfg.Metrics.Addr != "" {
		a.serveMetrics(cfg.Metrics.Addr)
	}

	a.session = session.New(session.Account{Name: accountName(cfg.API.BaseURL), BaseURL: cfg.API.BaseURL}, nil)
	a.onClose(a.session.Close)

	a.client = client.New(client.Config{
		BaseURL:    cfg.API.BaseURL,
		APIVersion: cfg.API.APIVersion,
		Timeout:    cfg.API.Timeout.Duration(),
		Token:      cfg.API.Token,
	})

	deps := batch.Deps{Session: a.session, Client: a.client}
	if cfg.Storage.Bucket != "" {
		blobs, err := s3.New(ctx, s3.Config{
			Endpoint:  cfg.Storage.Endpoint,
			Bucket:    cfg.Storage.Bucket,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Region:    cfg.Storage.Region,
		})
		if err != nil {
			return fmt.Errorf("blob storage: %w", err)
		}
		deps.Blobs = blobs
	}
	if cmd.Annotations[needsIndex] != "" {
		idx, err := sqlstore.Open(ctx, cfg.Index.Driver, cfg.Index.DSN)
		if err != nil {
			return fmt.Errorf("file index: %w", err)
		}
		a.onClose(func() { _ = idx.Close() })
		if err := idx.Migrate(ctx); err != nil {
			return fmt.Errorf("file index: %w", err)
		}
		deps.Index = idx
	}

	a.svc = batch.New(deps, batch.Options{
		MaxQuery:         cfg.Cache.MaxQuery,
		TargetedCapacity: cfg.Cache.TargetedCapacity,
		DeleteDelay:      cfg.Navigator.DeleteDelay.Duration(),
		Wildcards:        cfg.Navigator.Wildcards,
	})

	if a.watch && cfg.API.FeedPath != "" && cfg.API.BaseURL != "" {
		a.followFeed(ctx, cfg.API.FeedPath)
	}

	logging.Debug("session ready",
		logging.String("session", a.session.ID()),
		logging.String("account", a.session.Account().Name),
		logging.Bool("blobs", deps.Blobs != nil),
		logging.Bool("index", deps.Index != nil))
	return nil
}

func (a *app) serveMetrics(addr string) {
	srv := &http.Server{Addr: addr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logging.Info("metrics server listening", logging.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server error", logging.Err(err))
		}
	}()
	a.onClose(func() { _ = srv.Close() })
}

// followFeed applies the account change feed to the caches while a
// watching command runs.
func (a *app) followFeed(ctx context.Context, path string) {
	ctx, cancel := context.WithCancel(ctx)
	events, errs := client.NewFeed(a.client, path).Subscribe(ctx)
	go a.svc.ApplyFeed(ctx, events)
	go func() {
		for err := range errs {
			logging.Debug("change feed error", logging.Err(err))
		}
	}()
	a.onClose(cancel)
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// close releases everything setup acquired, newest first.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// pollInterval is the configured poll interval.
func (a *app) pollInterval() time.Duration { return a.cfg.Poll.Interval.Duration() }

func accountName(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return baseURL
	}
	return u.Hostname()
}

// warnf prints to stderr without failing the command.
func warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
