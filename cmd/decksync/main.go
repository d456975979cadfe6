package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/decksync/internal/config"
	"github.com/MarcoPoloResearchLab/decksync/internal/database"
	"github.com/MarcoPoloResearchLab/decksync/internal/deckpack"
	"github.com/MarcoPoloResearchLab/decksync/internal/importer"
	"github.com/MarcoPoloResearchLab/decksync/internal/logging"
	"github.com/MarcoPoloResearchLab/decksync/internal/media"
	"github.com/MarcoPoloResearchLab/decksync/internal/merge"
	"github.com/MarcoPoloResearchLab/decksync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/decksync/internal/store"
)

var (
	cfgFile    string
	exportPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "decksync",
		Short: "Flashcard deck tree sync engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	importCmd := &cobra.Command{
		Use:   "import <payload.json>",
		Short: "Merge a remote deck payload into the local collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), args[0])
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export <deck-name>",
		Short: "Emit a local deck subtree as a payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), args[0])
		},
	}
	exportCmd.Flags().StringVarP(&exportPath, "output", "o", "", "Output file (default stdout)")

	mediaCmd := &cobra.Command{
		Use:   "media",
		Short: "Media transfer operations",
	}
	mediaPullCmd := &cobra.Command{
		Use:   "pull <payload.json>",
		Short: "Fetch media files a payload references but the media dir lacks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMediaPull(cmd.Context(), args[0])
		},
	}
	mediaCmd.AddCommand(mediaPullCmd)

	rootCmd.AddCommand(importCmd, exportCmd, mediaCmd)
	setupFlags(rootCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("media-dir", defaults.GetString("media.dir"), "Local media directory")
	cmd.PersistentFlags().String("media-endpoint", defaults.GetString("media.endpoint"), "Remote media service base URL")
	cmd.PersistentFlags().Int("media-concurrency", defaults.GetInt("media.concurrency"), "Concurrent media downloads")
	cmd.PersistentFlags().Int("media-rate-per-minute", defaults.GetInt("media.rate_per_minute"), "Media request budget per minute")
	cmd.PersistentFlags().Int("media-transfer-attempts", defaults.GetInt("media.transfer_attempts"), "Attempts per media download")
	cmd.PersistentFlags().Int("store-batch-size", defaults.GetInt("store.batch_size"), "Bulk write batch size")
	cmd.PersistentFlags().String("home-deck", defaults.GetString("import.home_deck"), "Place the whole payload under this local deck")
	cmd.PersistentFlags().String("new-notes-home-deck", defaults.GetString("import.new_notes_home_deck"), "Place only new notes under this local deck")
	cmd.PersistentFlags().Bool("suspend-new-cards", defaults.GetBool("import.suspend_new_cards"), "Create new cards suspended")
	cmd.PersistentFlags().Bool("keep-deck-layout", defaults.GetBool("import.keep_deck_layout"), "Do not move existing cards between decks")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "media.dir", "media-dir")
	bindFlag(cmd, "media.endpoint", "media-endpoint")
	bindFlag(cmd, "media.concurrency", "media-concurrency")
	bindFlag(cmd, "media.rate_per_minute", "media-rate-per-minute")
	bindFlag(cmd, "media.transfer_attempts", "media-transfer-attempts")
	bindFlag(cmd, "store.batch_size", "store-batch-size")
	bindFlag(cmd, "import.home_deck", "home-deck")
	bindFlag(cmd, "import.new_notes_home_deck", "new-notes-home-deck")
	bindFlag(cmd, "import.suspend_new_cards", "suspend-new-cards")
	bindFlag(cmd, "import.keep_deck_layout", "keep-deck-layout")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// services bundles everything a subcommand needs, plus its teardown.
type services struct {
	cfg      config.AppConfig
	logger   *zap.Logger
	importer *importer.Importer
	transfer *media.TransferManager
	close    func()
}

func buildServices(appConfig config.AppConfig) (*services, error) {
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	noteStore, err := store.New(store.Config{
		Database:  db,
		Logger:    logger,
		Clock:     time.Now,
		BatchSize: appConfig.StoreBatchSize,
	})
	if err != nil {
		return nil, err
	}
	reconciler, err := reconcile.New(reconcile.Config{Store: noteStore, Logger: logger})
	if err != nil {
		return nil, err
	}
	merger, err := merge.New(merge.Config{Store: noteStore, Logger: logger, Clock: time.Now})
	if err != nil {
		return nil, err
	}

	var transfer *media.TransferManager
	if appConfig.MediaEndpoint != "" && appConfig.MediaDir != "" {
		transfer, err = media.NewTransferManager(media.TransferConfig{
			Endpoint:          appConfig.MediaEndpoint,
			MediaDir:          appConfig.MediaDir,
			Logger:            logger,
			Concurrency:       appConfig.MediaConcurrency,
			RequestsPerMinute: appConfig.MediaRatePerMin,
			Attempts:          appConfig.TransferAttempts,
		})
		if err != nil {
			return nil, err
		}
	}

	treeImporter, err := importer.New(importer.Config{
		Store:      noteStore,
		Reconciler: reconciler,
		Merger:     merger,
		Transfer:   transfer,
		MediaDir:   appConfig.MediaDir,
		Logger:     logger,
		Clock:      time.Now,
	})
	if err != nil {
		return nil, err
	}

	return &services{
		cfg:      appConfig,
		logger:   logger,
		importer: treeImporter,
		transfer: transfer,
		close: func() {
			sqlDB.Close() //nolint:errcheck
			logger.Sync() //nolint:errcheck
		},
	}, nil
}

func loadPayload(path string) (*deckpack.Deck, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return deckpack.Decode(raw)
}

func runImport(ctx context.Context, payloadPath string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	svc, err := buildServices(appConfig)
	if err != nil {
		return err
	}
	defer svc.close()

	tree, err := loadPayload(payloadPath)
	if err != nil {
		return err
	}

	importCfg := &merge.ImportConfig{
		SuspendNewCards:    appConfig.SuspendNewCards,
		IgnoreDeckMovement: appConfig.KeepDeckLayout,
		HomeDeck:           appConfig.HomeDeck,
		NewNotesHomeDeck:   appConfig.NewNotesHomeDeck,
	}
	result, err := svc.importer.ImportTree(ctx, tree, importCfg)
	if err != nil {
		return err
	}

	fmt.Printf("imported %q: %d created, %d updated, %d skipped\n",
		tree.Name, result.Created, result.Updated, result.Skipped)
	for _, warning := range result.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}
	for _, item := range result.ReviewItems {
		fmt.Printf("review: %s\n", item)
	}
	if result.Media != nil {
		fmt.Printf("media: %d referenced, %d missing, %d downloaded\n",
			result.Media.Referenced, result.Media.Missing, result.Media.Downloaded)
		for _, warning := range result.Media.Warnings {
			fmt.Printf("media warning: %s\n", warning)
		}
	}
	return nil
}

func runExport(ctx context.Context, deckName string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	svc, err := buildServices(appConfig)
	if err != nil {
		return err
	}
	defer svc.close()

	tree, err := svc.importer.ExportTree(ctx, deckName)
	if err != nil {
		return err
	}
	payload, err := deckpack.Encode(tree)
	if err != nil {
		return err
	}

	if exportPath == "" {
		_, err = os.Stdout.Write(payload)
		return err
	}
	return os.WriteFile(exportPath, payload, 0o644)
}

func runMediaPull(ctx context.Context, payloadPath string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if appConfig.MediaDir == "" || appConfig.MediaEndpoint == "" {
		return errors.New("media pull requires media.dir and media.endpoint")
	}
	svc, err := buildServices(appConfig)
	if err != nil {
		return err
	}
	defer svc.close()

	tree, err := loadPayload(payloadPath)
	if err != nil {
		return err
	}
	metadata, err := deckpack.AggregateMetadata(tree)
	if err != nil {
		return err
	}

	refs := media.CollectReferences(tree, metadata)
	for _, name := range tree.MediaFiles {
		refs[name] = true
	}
	missing := media.ComputeMissing(refs, appConfig.MediaDir)
	if len(missing) == 0 {
		fmt.Printf("media up to date: %d files referenced\n", len(refs))
		return nil
	}

	entries, err := svc.transfer.Manifest(ctx, missing)
	if err != nil {
		return err
	}
	result := svc.transfer.Download(ctx, entries)
	fmt.Printf("media: %d missing, %d downloaded, %d skipped\n",
		len(missing), result.Downloaded, result.Skipped)
	for _, failure := range result.Failures {
		fmt.Printf("failed %s: %v\n", failure.Filename, failure.Err)
	}
	if len(result.Failures) > 0 {
		return fmt.Errorf("%d media downloads failed", len(result.Failures))
	}
	return nil
}
