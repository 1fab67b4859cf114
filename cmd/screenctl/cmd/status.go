package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"screening-engine/internal/domain/model"
)

var statusCmd = &cobra.Command{
	Use:   "status [batch_id]",
	Short: "Show batch status and item counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := apiClient()
		if err != nil {
			return err
		}
		view, err := client.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printStatus(cmd, view)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches that are still running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := apiClient()
		if err != nil {
			return err
		}
		views, err := client.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(views) == 0 {
			cmd.Println("No active batches.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "BATCH\tSTATUS\tMODEL\tDONE\tTOTAL\tCREATED")
		for _, v := range views {
			done := v.Counts.Completed + v.Counts.Error + v.Counts.Cancelled
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", v.BatchID, v.Status, v.Selection.String(), done, v.Total,
				v.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

func printStatus(cmd *cobra.Command, v *model.BatchStatusView) {
	cmd.Printf("Batch:      %s\n", v.BatchID)
	cmd.Printf("Status:     %s\n", v.Status)
	cmd.Printf("Model:      %s\n", v.Selection.String())
	cmd.Printf("Items:      %d\n", v.Total)
	cmd.Printf("  pending %d, processing %d, completed %d, error %d, cancelled %d\n",
		v.Counts.Pending, v.Counts.Processing, v.Counts.Completed, v.Counts.Error, v.Counts.Cancelled)
	if !v.ExpiresAt.IsZero() {
		cmd.Printf("Expires:    %s\n", v.ExpiresAt.Local().Format("Mon, 02 Jan 2006 15:04:05 MST"))
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
}
