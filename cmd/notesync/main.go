package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/notesync/internal/classify"
	"github.com/agentworkforce/notesync/internal/config"
	"github.com/agentworkforce/notesync/internal/logging"
	"github.com/agentworkforce/notesync/internal/notify"
	"github.com/agentworkforce/notesync/internal/notion"
	"github.com/agentworkforce/notesync/internal/runlock"
	"github.com/agentworkforce/notesync/internal/seenset"
	"github.com/agentworkforce/notesync/internal/storage"
	"github.com/agentworkforce/notesync/internal/syncer"
	"github.com/agentworkforce/notesync/internal/tagmap"
	"github.com/agentworkforce/notesync/internal/watch"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

type cliOptions struct {
	configFile    string
	envFile       string
	tagsFile      string
	seenStore     string
	logLevel      string
	logFile       string
	lockFile      string
	watch         bool
	watchDebounce time.Duration
	dryRun        bool
	httpTimeout   time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}
	cmd := &cobra.Command{
		Use:   "notesync",
		Short: "File tagged documents into folders and link each one into a Notion database",
		Long: `notesync reads new files from the intake folder, resolves the dotted tag at
the start of each filename against the tag mapping, moves the file into the
mapped folder and creates a Notion page for it. Files already sorted by hand
into a mapped folder are linked on the reconciliation pass.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := run(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "notesync: %v\n", err)
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configFile, "config", envOrDefault("NOTESYNC_CONFIG", config.DefaultConfigFile), "configuration file")
	flags.StringVar(&opts.envFile, "env-file", envOrDefault("NOTESYNC_ENV_FILE", ".env"), "dotenv file loaded before the configuration")
	flags.StringVar(&opts.tagsFile, "tags", "", "tag mapping file (overrides sync.tags_file)")
	flags.StringVar(&opts.seenStore, "seen-store", "", "seen set DSN (overrides sync.seen_store)")
	flags.StringVar(&opts.logLevel, "log-level", envOrDefault("NOTESYNC_LOG_LEVEL", "info"), "debug, info, warn or error")
	flags.StringVar(&opts.logFile, "log-file", strings.TrimSpace(os.Getenv("NOTESYNC_LOG_FILE")), "also write plain log lines to this rotating file")
	flags.StringVar(&opts.lockFile, "lock-file", envOrDefault("NOTESYNC_LOCK_FILE", ".notesync.lock"), "advisory lock file; empty disables locking")
	flags.BoolVar(&opts.watch, "watch", false, "keep running and sync whenever files land in the local intake directory")
	flags.DurationVar(&opts.watchDebounce, "watch-debounce", durationEnv("NOTESYNC_WATCH_DEBOUNCE", watch.DefaultDebounce), "quiet period before a watched change triggers a sync")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "classify and log intended moves without changing anything")
	flags.DurationVar(&opts.httpTimeout, "http-timeout", durationEnv("NOTESYNC_HTTP_TIMEOUT", 0), "per-request timeout for Notion and notifier calls; 0 waits indefinitely")
	return cmd
}

func run(ctx context.Context, opts *cliOptions, stderr io.Writer) error {
	level, err := logging.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logger, logCloser, err := logging.New(logging.Options{Level: level, Writer: stderr, File: opts.logFile})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	overrides := map[string]any{}
	if tags := strings.TrimSpace(opts.tagsFile); tags != "" {
		overrides["sync.tags_file"] = tags
	}
	if dsn := strings.TrimSpace(opts.seenStore); dsn != "" {
		overrides["sync.seen_store"] = dsn
	}
	cfg, err := config.Load(config.LoadOptions{ConfigFile: opts.configFile, EnvFile: opts.envFile, Overrides: overrides})
	if err != nil {
		return err
	}
	if opts.watch && cfg.Storage.Backend != "local" {
		return fmt.Errorf("--watch requires the local storage backend, got %q", cfg.Storage.Backend)
	}

	if path := strings.TrimSpace(opts.lockFile); path != "" {
		lock, err := runlock.Acquire(path)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	mapping, err := tagmap.LoadFile(cfg.Sync.TagsFile)
	if err != nil {
		return fmt.Errorf("load tag mapping: %w", err)
	}
	httpClient := &http.Client{Timeout: opts.httpTimeout}
	linker := notion.NewLinker(notion.NewClient(notion.ClientOptions{
		BaseURL:             cfg.Notion.BaseURL,
		Token:               cfg.Notion.AuthToken,
		HTTPClient:          httpClient,
		APIVersion:          cfg.Notion.APIVersion,
		MaxRateLimitRetries: cfg.Notion.MaxRateLimitRetries,
		Logger:              logger,
	}), notion.LinkerOptions{
		DatabaseID:  cfg.Notion.UploadDatabaseID,
		TitleField:  cfg.Notion.DocumentNameFieldName,
		FileIDField: cfg.Notion.GoogleDriveIDFieldName,
		TagTypes:    cfg.Notion.TagTypes,
		Icon:        cfg.Notion.NewPageIcon,
		Banner:      cfg.Notion.IncludeInformationBanner,
		BannerText:  notion.DefaultBannerText,
		LinkInline:  cfg.Notion.EmbedDocumentInline,
		Logger:      logger,
	})
	for _, entry := range mapping.Leaves() {
		if err := linker.Validate(entry.Labels); err != nil {
			return fmt.Errorf("%w: labels of %s: %v", config.ErrInvalidConfig, entry.Location, err)
		}
	}

	seenStore, err := seenset.BuildStoreFromDSN(cfg.Sync.SeenStore)
	if err != nil {
		return err
	}
	seen, err := seenset.Open(seenStore)
	if err != nil {
		return err
	}
	defer seen.Close()

	files, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	classifier := classify.New(mapping, logger)
	postSync := postSyncFunc(cfg, httpClient, logger)

	runOnce := func(ctx context.Context) error {
		s, err := syncer.NewSyncer(files, classifier, seen, linker, syncer.SyncerOptions{
			IntakeLocation:   cfg.IntakeLocation(),
			ExpectedMimeType: cfg.Sync.ExpectedMimeType,
			TemporaryDir:     cfg.Sync.TemporaryFilesDir,
			SkipFailedFiles:  cfg.Sync.SkipFailedFiles,
			DryRun:           opts.dryRun,
			PostSync:         postSync,
			Logger:           logger,
		})
		if err != nil {
			return err
		}
		report, err := s.Run(ctx)
		if err != nil {
			return err
		}
		logger.Info("sync finished",
			"forward", report.Forward,
			"reconciled", report.Reconciled,
			"skipped", report.Skipped,
			"failed", report.Failed,
			"seen", seen.Len())
		return nil
	}

	if err := runOnce(ctx); err != nil {
		return err
	}
	if !opts.watch {
		return nil
	}

	local, ok := files.(*storage.LocalStorage)
	if !ok {
		return fmt.Errorf("--watch requires the local storage backend")
	}
	intakeDir, err := local.LocationPath(cfg.IntakeLocation())
	if err != nil {
		return err
	}
	trigger, err := watch.New(watch.Options{Dir: intakeDir, Debounce: opts.watchDebounce, Logger: logger})
	if err != nil {
		return err
	}
	return trigger.Run(ctx, runOnce)
}

func buildStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case "local":
		return storage.NewLocalStorage(cfg.Storage.LocalRoot, logger)
	case "s3":
		return storage.NewS3Storage(storage.S3Config{
			Endpoint:  cfg.Storage.S3.Endpoint,
			Region:    cfg.Storage.S3.Region,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
			Bucket:    cfg.Storage.S3.Bucket,
			UseSSL:    cfg.Storage.S3.UseSSL,
		}, logger)
	case "drive":
		return storage.NewDriveStorage(ctx, storage.DriveOptions{
			CredentialsFile: cfg.GoogleDrive.CredentialsFile,
			TokenFile:       cfg.GoogleDrive.TokenFile,
			Scopes:          cfg.GoogleDrive.Scopes,
			Logger:          logger,
		})
	default:
		return nil, fmt.Errorf("%w: %s", storage.ErrUnknownBackend, cfg.Storage.Backend)
	}
}

// postSyncFunc returns nil when no notifier is enabled so the syncer skips
// the post-sync phase entirely.
func postSyncFunc(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) syncer.PostSyncFunc {
	if !cfg.PostSync.Enabled || len(cfg.PostSync.EnabledModules) == 0 {
		return nil
	}
	deps := notify.Deps{HTTPClient: httpClient, Logger: logger}
	return func(ctx context.Context, results []notify.SyncResult) error {
		return notify.Dispatch(ctx, cfg.PostSync.EnabledModules, cfg.PostSync.Modules, results, deps)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %s\n", name, raw, fallback.String())
		return fallback
	}
	return value
}
