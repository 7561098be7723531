package cmd

import "github.com/spf13/cobra"

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Manage persisted rate limit state",
}

func init() {
	limitsCmd.AddCommand(limitsListCmd)
	limitsCmd.AddCommand(limitsResetCmd)
	rootCmd.AddCommand(limitsCmd)
}
