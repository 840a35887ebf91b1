// Command basketbot is the entry point of the basket rebalancing engine. It
// loads configuration, validates it, wires dependencies, sets up signal
// handling, and starts the application in the requested mode.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/basketbot/internal/app"
	"github.com/alanyoungcy/basketbot/internal/config"
	"github.com/alanyoungcy/basketbot/internal/crypto"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "basketbot",
		Short:         "Basket rebalancing and trade execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMode(cmd.Context(), "")
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "path to configuration file")

	for _, mode := range []struct{ name, short string }{
		{"serve", "Run the engine with the HTTP API"},
		{"keeper", "Run the keeper against a remote engine API"},
		{"full", "Run the engine, the API and an in-process keeper"},
	} {
		root.AddCommand(&cobra.Command{
			Use:   mode.name,
			Short: mode.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMode(cmd.Context(), mode.name)
			},
		})
	}
	root.AddCommand(migrateCmd(), archiveCmd(), encryptKeyCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// setup loads and validates the configuration and installs the JSON logger
// at the configured level. A non-empty mode overrides the config file.
func setup(mode string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", cfgFile, err)
	}
	if mode != "" {
		cfg.Mode = mode
	}

	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logger, nil
}

func runMode(ctx context.Context, mode string) error {
	cfg, logger, err := setup(mode)
	if err != nil {
		return err
	}
	logger.Info("basketbot starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", cfgFile),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("basketbot stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup("")
			if err != nil {
				return err
			}
			application := app.New(cfg, logger)
			defer application.Close()
			return application.Migrate(cmd.Context())
		},
	}
}

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Move fills and audit rows past retention to blob storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup("")
			if err != nil {
				return err
			}
			application := app.New(cfg, logger)
			defer application.Close()
			return application.ArchiveOnce(cmd.Context())
		},
	}

	var kind string
	list := &cobra.Command{
		Use:   "list",
		Short: "List archived objects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup("")
			if err != nil {
				return err
			}
			application := app.New(cfg, logger)
			defer application.Close()

			infos, err := application.ListArchives(cmd.Context(), kind)
			if err != nil {
				return err
			}
			for _, info := range infos {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n",
					info.Path, info.Size, info.LastModified.UTC().Format("2006-01-02T15:04:05Z"))
			}
			return nil
		},
	}
	list.Flags().StringVar(&kind, "kind", "fills", "archive kind: fills or audit")

	read := &cobra.Command{
		Use:   "read <path>",
		Short: "Print an archived fills object as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup("")
			if err != nil {
				return err
			}
			application := app.New(cfg, logger)
			defer application.Close()

			fills, err := application.ReadArchivedFills(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, f := range fills {
				if err := enc.Encode(f); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.AddCommand(list, read)
	return cmd
}

func encryptKeyCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "encrypt-key",
		Short: "Encrypt a hex private key for wallet.encrypted_key_path",
		Long: "Reads the private key from BASKETBOT_WALLET_PRIVATE_KEY and the password " +
			"from BASKETBOT_WALLET_KEY_PASSWORD, and writes the encrypted key file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := os.Getenv("BASKETBOT_WALLET_PRIVATE_KEY")
			password := os.Getenv("BASKETBOT_WALLET_KEY_PASSWORD")
			if key == "" || password == "" {
				return errors.New("BASKETBOT_WALLET_PRIVATE_KEY and BASKETBOT_WALLET_KEY_PASSWORD must be set")
			}
			data, err := crypto.EncryptKey(key, password)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			signer, err := crypto.NewSigner(key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s for %s\n", out, signer.Address().Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "wallet.key.json", "output path")
	return cmd
}
