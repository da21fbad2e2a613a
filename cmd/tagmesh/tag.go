package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/tagmesh"
)

var (
	tagColor string
	tagNotes string
	tagType  string
)

var tagCmd = &cobra.Command{
	Use:   "tag <entity> <tag>",
	Short: "Apply a tag to an entity",
	Long: `Apply a tag to an entity of the subject. The color only matters the first
time a tag name is seen anywhere; later applications reuse the shared color.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		repo, err := openRepository(cmd)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, repo.Close(cmd.Context())) }()

		entity, err := repo.SaveTag(cmd.Context(), tagmesh.SaveTagRequest{
			EntityName: args[0],
			Tag:        args[1],
			Color:      tagColor,
			Notes:      tagNotes,
			Type:       tagType,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s tagged %s (%s)\n", entity.ID, args[1], entity.Tags[args[1]].Color())
		return nil
	},
}

var untagCmd = &cobra.Command{
	Use:   "untag <entity> <tag>",
	Short: "Remove a tag from an entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		repo, err := openRepository(cmd)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, repo.Close(cmd.Context())) }()

		if repo.Get(args[0]).Tags[args[1]] == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s has no tag %s\n", args[0], args[1])
			return nil
		}
		if err := repo.RemoveTag(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s untagged %s\n", args[0], args[1])
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every tag of the subject",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		repo, err := openRepository(cmd)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, repo.Close(cmd.Context())) }()

		if err := repo.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Cleared", subject)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tagCmd, untagCmd, clearCmd)
	tagCmd.Flags().StringVar(&tagColor, "color", "", "Color of a new tag definition")
	tagCmd.Flags().StringVar(&tagNotes, "notes", "", "Notes on this application")
	tagCmd.Flags().StringVar(&tagType, "type", "", "Entity type")
}
