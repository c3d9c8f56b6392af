package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilianp07/flexplan/infra/logger"
	"github.com/kilianp07/flexplan/pkg/export"
	"github.com/kilianp07/flexplan/qa/scenarios"
)

var (
	scenarioPath string
	outputFormat string
	verbose      bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Play a day-ahead scenario in memory and print its settlement",
	RunE:  simulate,
}

func init() {
	simulateCmd.Flags().StringVarP(&scenarioPath, "scenario", "s", "", "scenario file")
	simulateCmd.Flags().StringVarP(&outputFormat, "output", "o", "csv", "settlement output: csv or json")
	simulateCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log the exchanged documents")
	_ = simulateCmd.MarkFlagRequired("scenario")
	rootCmd.AddCommand(simulateCmd)
}

func simulate(cmd *cobra.Command, args []string) error {
	sc, err := scenarios.Load(scenarioPath)
	if err != nil {
		return err
	}
	var opts scenarios.Options
	if verbose {
		opts.Log = logger.New("simulate")
	}
	res, err := scenarios.Run(context.Background(), sc, opts)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	switch outputFormat {
	case "json":
		err = export.WriteJSON(out, res.Rows)
	case "csv":
		err = export.WriteCSV(out, res.Rows)
	default:
		return fmt.Errorf("unknown output %q", outputFormat)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d congested PTUs, %d orders, %d rejected documents\n",
		sc.Name, res.RequestedPTUs, res.Orders, res.Rejected)
	return sc.Check(res)
}
