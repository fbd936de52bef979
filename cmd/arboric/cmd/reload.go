package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the policies of the running server",
	Long: `Ask a running arboric server to re-read its configuration and
policies file and swap in the new policy set. Equivalent to sending SIGHUP.

If the new policies do not compile, the server keeps the current set and
logs the error. Use "arboric policy check" first to validate edits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		proc, err := findServer()
		if err != nil {
			return err
		}
		if err := sendReload(proc); err != nil {
			return fmt.Errorf("failed to signal server: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Reload requested (PID %d).\n", proc.Pid)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reloadCmd)
}
