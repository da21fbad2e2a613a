package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/tagmesh"
)

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print the storage id of the subject",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSubject(); err != nil {
			return err
		}
		opts, err := options()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tagmesh.DeriveStorageID(subject, opts...))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(idCmd)
}
