package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var expertsLimit int

var expertsCmd = &cobra.Command{
	Use:   "experts <organization-id> <topic-id>",
	Short: "Rank the experts for a topic",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		runtime, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer runtime.Close()
		experts, err := runtime.Service.TopicExperts(cmd.Context(), args[0], args[1], expertsLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RANK\tUSER\tSCORE\tMENTIONS\tFIRST CONTRIBUTION")
		for i, e := range experts {
			fmt.Fprintf(w, "%d\t%s\t%.3f\t%d\t%s\n", i+1, e.UserID, e.Score, e.Signals.MentionCount, e.FirstContribution.Format("2006-01-02"))
		}
		return w.Flush()
	},
}

func init() {
	expertsCmd.Flags().IntVar(&expertsLimit, "limit", 10, "maximum number of experts")
	rootCmd.AddCommand(expertsCmd)
}
