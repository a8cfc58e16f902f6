package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var reindexBatchSize int

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Push every content item and video into Meilisearch",
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(cfg.MeiliURL) == "" {
			return fmt.Errorf("MEILI_URL is not set")
		}
		runtime, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer runtime.Close()
		sent, err := runtime.Index.ReindexAll(cmd.Context(), reindexBatchSize)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "indexed %d documents\n", sent)
		return nil
	},
}

func init() {
	reindexCmd.Flags().IntVar(&reindexBatchSize, "batch-size", 500, "documents per indexing request")
	rootCmd.AddCommand(reindexCmd)
}
