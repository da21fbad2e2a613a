package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

var (
	listJSON  bool
	listMatch string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tagged entities of the subject",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		repo, err := openRepository(cmd)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, repo.Close(cmd.Context())) }()

		entities, err := repo.Find(listMatch)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if listJSON {
			encoder := json.NewEncoder(out)
			encoder.SetIndent("", "  ")
			return encoder.Encode(entities)
		}

		for _, e := range entities {
			names := make([]string, 0, len(e.Tags))
			for name := range e.Tags {
				names = append(names, name)
			}
			slices.Sort(names)
			fmt.Fprintf(out, "%s\t%s\n", e.ID, strings.Join(names, ","))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output in JSON format")
	listCmd.Flags().StringVar(&listMatch, "match", "*", "Glob over entity ids")
}
