package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gbmm/internal/analytics"
	"gbmm/internal/config"
	"gbmm/internal/downloader"
	"gbmm/internal/gbapi"
	"gbmm/internal/indexer"
	"gbmm/internal/integrity"
	"gbmm/internal/jobs"
	"gbmm/internal/logger"
	"gbmm/internal/messenger"
	"gbmm/internal/server"
	"gbmm/internal/storage"
)

type levelFlags struct {
	critical bool
	error_   bool
	warn     bool
	info     bool
	debug    bool
}

func (f *levelFlags) level(cfg *config.Config) slog.Level {
	switch {
	case f.debug:
		return slog.LevelDebug
	case f.info:
		return slog.LevelInfo
	case f.warn:
		return slog.LevelWarn
	case f.error_ || f.critical:
		return slog.LevelError
	}
	return cfg.LogLevel()
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	flags := &levelFlags{}
	root := &cobra.Command{
		Use:           config.ServerName,
		Short:         "Media catalog mirror and downloader",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.BoolVar(&flags.critical, "critical", false, "log critical only")
	pf.BoolVar(&flags.error_, "error", false, "log errors and up")
	pf.BoolVar(&flags.warn, "warn", false, "log warnings and up")
	pf.BoolVar(&flags.info, "info", false, "log info and up")
	pf.BoolVar(&flags.debug, "debug", false, "log everything")

	root.AddCommand(newStartCmd(flags))
	root.AddCommand(newDownloadCmd(flags))
	root.AddCommand(newDownloadRecentCmd(flags))
	return root
}

// app is one fully wired service core, shared by every command.
type app struct {
	log       *slog.Logger
	cfg       *config.Config
	store     *storage.Store
	messenger *messenger.Messenger
	requester *gbapi.Requester
	client    *gbapi.Client
	jobs      *jobs.Manager
	indexer   *indexer.Indexer
	dl        *downloader.Downloader
	stats     *analytics.Stats
	verifier  *integrity.Verifier
}

func buildApp(flags *levelFlags) (*app, error) {
	cfg, err := config.Load(config.ServerRoot())
	if err != nil {
		return nil, err
	}
	log := logger.New(os.Stderr, flags.level(cfg))

	store, err := storage.Open(log, cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	msgr := messenger.New()
	storage.SetDownloadPublisher(func(event messenger.EventType, d *storage.Download) {
		msgr.Publish(messenger.Message{
			EventType:   event,
			SubjectType: "download",
			SubjectID:   d.ID,
			Data:        d,
		})
	})

	requester := gbapi.NewRequester(log, nil)
	client := gbapi.NewClient(requester, cfg)
	manager := jobs.NewManager(log, store)
	ix := indexer.New(log, client, store, manager)
	dl := downloader.New(log, store, client, cfg, nil)

	if err := store.SyncSettings(cfg.Values()); err != nil {
		store.Close()
		requester.Close()
		return nil, err
	}

	return &app{
		log: log, cfg: cfg, store: store, messenger: msgr,
		requester: requester, client: client, jobs: manager,
		indexer: ix, dl: dl,
		stats:    analytics.New(store, cfg.FileRoot),
		verifier: integrity.NewVerifier(log, store),
	}, nil
}

func (a *app) close() {
	a.dl.Close()
	a.requester.Close()
	storage.SetDownloadPublisher(nil)
	if err := a.store.Close(); err != nil {
		a.log.Warn("close database failed", "error", err)
	}
}

func (a *app) requireAPIKey() error {
	if !a.cfg.HasAPIKey() {
		return fmt.Errorf("no API key configured; set api.key in %s", a.cfg.Path())
	}
	return nil
}

func newStartCmd(flags *levelFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.jobs.Startup(); err != nil {
				return fmt.Errorf("job recovery: %w", err)
			}
			a.dl.Start()

			srv := server.New(&server.Services{
				Log: a.log, Cfg: a.cfg, Store: a.store, Messenger: a.messenger,
				Client: a.client, Jobs: a.jobs, Indexer: a.indexer, Downloader: a.dl,
				Stats: a.stats, Verifier: a.verifier,
			})

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				a.log.Info("shutting down", "signal", sig.String())
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(ctx)
			}
		},
	}
}

func newDownloadCmd(flags *levelFlags) *cobra.Command {
	return &cobra.Command{
		Use:   `download <kind> "<filter>"`,
		Short: "Download items matching an id filter, then exit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, filter := args[0], args[1]
			if kind != gbapi.KindVideo.ItemName {
				return fmt.Errorf("unsupported kind %q (only %q)", kind, gbapi.KindVideo.ItemName)
			}
			ids, err := parseIDFilter(filter)
			if err != nil {
				return err
			}

			a, err := buildApp(flags)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.requireAPIKey(); err != nil {
				return err
			}

			for _, id := range ids {
				if _, err := a.dl.EnqueueVideoWithImages(id); err != nil {
					return fmt.Errorf("enqueue video %d: %w", id, err)
				}
				a.log.Info("queued video", "id", id)
			}
			a.dl.Start()
			return a.drainDownloads(cmd.Context())
		},
	}
}

func newDownloadRecentCmd(flags *levelFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "download-recent <kind>",
		Short: "Index recently published items and download them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != gbapi.KindVideo.ItemName {
				return fmt.Errorf("unsupported kind %q (only %q)", args[0], gbapi.KindVideo.ItemName)
			}

			a, err := buildApp(flags)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.requireAPIKey(); err != nil {
				return err
			}

			cutoff := time.Now().UTC().Add(-24 * time.Hour).Format("2006-01-02 15:04:05")

			job, err := a.indexer.StartQuick()
			if err != nil {
				return fmt.Errorf("start index: %w", err)
			}
			job.Wait()
			if state := jobs.State(job.Snapshot().State); state != jobs.Complete {
				return fmt.Errorf("index did not complete (state %s)", state)
			}

			var videos []storage.Video
			err = a.store.DB().
				Where("publish_date >= ? AND file_id IS NULL", cutoff).
				Find(&videos).Error
			if err != nil {
				return err
			}
			for i := range videos {
				if _, err := a.dl.EnqueueVideoWithImages(videos[i].ID); err != nil {
					a.log.Warn("enqueue failed", "video", videos[i].ID, "error", err)
				}
			}
			a.log.Info("queued recent videos", "count", len(videos))
			a.dl.Start()
			return a.drainDownloads(cmd.Context())
		},
	}
}

// drainDownloads blocks until no queued or in-progress downloads remain.
func (a *app) drainDownloads(ctx context.Context) error {
	for {
		_, pending, err := a.store.Downloads(storage.DownloadFilter{
			Statuses: []storage.DownloadStatus{storage.DownloadQueued, storage.DownloadInProgress},
		})
		if err != nil {
			return err
		}
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
