package cmd

import (
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [batch_id]",
	Short: "Cancel a running batch",
	Long:  `Request cancellation. Queued items become cancelled; items already finished keep their results.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := apiClient()
		if err != nil {
			return err
		}
		view, err := client.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		cmd.Printf("Cancellation requested for %s (status: %s)\n", view.BatchID, view.Status)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [batch_id]",
	Short: "Delete a batch and its results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := apiClient()
		if err != nil {
			return err
		}
		if err := client.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		cmd.Printf("Batch %s deleted\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(deleteCmd)
}
