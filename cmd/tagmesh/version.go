package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/tagmesh"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of tagmesh",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tagmesh version %s\n", tagmesh.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
