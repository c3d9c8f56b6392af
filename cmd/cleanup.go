package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run one retention pass on the planboard",
	RunE:  cleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func cleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := load(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()
	res, err := svc.Cleanup(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d containers, %d messages, %d ptu rows, %d analyses, %d settlement rows\n",
		res.Containers, res.Messages, res.PTURows, res.Analyses, res.Settlements)
	return nil
}
