package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var resultsCmd = &cobra.Command{
	Use:   "results [batch_id]",
	Short: "Print per-item results",
	Long: `Print per-item results in submission order.

Items that have not finished yet are listed with their current status.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output != "table" && output != "json" {
			return fmt.Errorf("unknown output format %q", output)
		}
		client, err := apiClient()
		if err != nil {
			return err
		}
		results, err := client.Results(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if output == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ITEM\tSTATUS\tLABEL\tATTEMPTS\tDETAIL")
		for _, r := range results {
			detail := r.Justification
			if r.Error != nil {
				detail = fmt.Sprintf("%s: %s", r.Error.Kind, r.Error.Message)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.ItemID, r.Status, r.Label, r.Attempts, truncate(detail, 80))
		}
		return w.Flush()
	},
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

func init() {
	resultsCmd.Flags().StringP("output", "o", "table", "output format: table or json")
	rootCmd.AddCommand(resultsCmd)
}
