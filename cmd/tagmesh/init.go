package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aretw0/tagmesh"
)

var initSecret string

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a tagmesh.yaml in the current directory",
	Long: `Write a tagmesh.yaml holding the flags given on the command line.
The secret root is better kept in TAGMESH_SECRET_ROOT than in the file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			path = filepath.Join(cwd, "tagmesh.yaml")
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}

		cfg := tagmesh.FileConfig{
			Adapter:    adapter,
			DataDir:    dataDir,
			ServerURL:  serverURL,
			SecretRoot: initSecret,
		}
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Wrote", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initSecret, "secret", "", "Secret root to store in the file")
}
