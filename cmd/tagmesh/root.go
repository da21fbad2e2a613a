package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aretw0/tagmesh"
)

var (
	verbose    bool
	configPath string
	dataDir    string
	adapter    string
	serverURL  string
	subject    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tagmesh",
	Short: "Tag entities of a subject and keep the tags in sync",
	Long: `tagmesh keeps named, colored tags on the entities of a subject.
Each subject has its own store, named by a salted hash of its id, and tag
definitions are shared by every subject. Stores replicate to a server when
one is configured.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}

		opts := &slog.HandlerOptions{
			Level: level,
		}
		logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), opts))
		slog.SetDefault(logger)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: tagmesh.yaml at the project root)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory of local stores")
	rootCmd.PersistentFlags().StringVar(&adapter, "adapter", "", "Local store adapter (fs, sqlite, memory)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server URL (redis://, postgres://, file://)")
	rootCmd.PersistentFlags().StringVarP(&subject, "subject", "s", "", "Subject id")
}

// resolveConfigPath returns --config, or tagmesh.yaml in the nearest project
// root, or tagmesh.yaml in the working directory.
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if root, err := tagmesh.FindRoot(cwd); err == nil {
		return filepath.Join(root, "tagmesh.yaml"), nil
	}
	return filepath.Join(cwd, "tagmesh.yaml"), nil
}

// options layers the config file, then flags set on the command line.
func options() ([]tagmesh.Option, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := tagmesh.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	opts := append(cfg.Options(), tagmesh.WithLogger(slog.Default()))
	if dataDir != "" {
		opts = append(opts, tagmesh.WithDataDir(dataDir))
	}
	if adapter != "" {
		opts = append(opts, tagmesh.WithAdapter(adapter))
	}
	if serverURL != "" {
		opts = append(opts, tagmesh.WithServerURL(serverURL))
	}
	return opts, nil
}

func requireSubject() error {
	if subject == "" {
		return fmt.Errorf("--subject is required")
	}
	return nil
}

func openRepository(cmd *cobra.Command) (*tagmesh.Repository, error) {
	if err := requireSubject(); err != nil {
		return nil, err
	}
	opts, err := options()
	if err != nil {
		return nil, err
	}
	return tagmesh.Create(cmd.Context(), subject, nil, opts...)
}
