package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/internal/config"
)

var outcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Inspect and review persisted outcomes",
}

var (
	listType   string
	listStatus string
	listSince  time.Duration
	listLimit  int
	listJSON   bool
)

var outcomesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List outcomes, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runOutcomesList,
}

var outcomesGetCmd = &cobra.Command{
	Use:   "get <reference>",
	Short: "Print one outcome as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutcomesGet,
}

var outcomesStatusCmd = &cobra.Command{
	Use:   "set-status <reference> <status>",
	Short: "Move an outcome to pending, in_review, resolved or rejected",
	Args:  cobra.ExactArgs(2),
	RunE:  runOutcomesStatus,
}

func init() {
	outcomesListCmd.Flags().StringVar(&listType, "type", "", "workflow type, e.g. fraud_report")
	outcomesListCmd.Flags().StringVar(&listStatus, "status", "", "review status")
	outcomesListCmd.Flags().DurationVar(&listSince, "since", 0, "only outcomes created within this duration")
	outcomesListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of outcomes")
	outcomesListCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON lines instead of a table")

	outcomesCmd.AddCommand(outcomesListCmd, outcomesGetCmd, outcomesStatusCmd)
	rootCmd.AddCommand(outcomesCmd)
}

// withBackend opens the configured store for a one-shot command. Logs go to
// stderr so stdout stays parseable.
func withBackend(cmd *cobra.Command, fn func(b *backend) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level, _ := zerolog.ParseLevel(cfg.Log.Level)
	logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).Level(max(level, zerolog.WarnLevel))

	b, err := openBackend(cmd.Context(), cfg, &lazyAWS{}, logger)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(b)
}

func runOutcomesList(cmd *cobra.Command, _ []string) error {
	filter := stepflow.OutcomeFilter{
		WorkflowType: stepflow.WorkflowType(listType),
		Status:       stepflow.OutcomeStatus(listStatus),
		Limit:        listLimit,
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return fmt.Errorf("unknown status %q", listStatus)
	}
	if listSince > 0 {
		filter.Since = time.Now().Add(-listSince)
	}

	return withBackend(cmd, func(b *backend) error {
		var outcomes []*stepflow.Outcome
		for o, err := range b.outcomes.List(cmd.Context(), filter) {
			if err != nil {
				return err
			}
			outcomes = append(outcomes, o)
		}
		if listJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, o := range outcomes {
				if err := enc.Encode(o); err != nil {
					return err
				}
			}
			return nil
		}
		return printOutcomes(cmd.OutOrStdout(), outcomes)
	})
}

func printOutcomes(out io.Writer, outcomes []*stepflow.Outcome) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REFERENCE\tWORKFLOW\tSTATUS\tFILES\tSUPPLEMENT OF\tCREATED")
	for _, o := range outcomes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			o.ReferenceID, o.WorkflowType, o.Status, o.FilesCount, o.SupplementOf,
			o.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runOutcomesGet(cmd *cobra.Command, args []string) error {
	return withBackend(cmd, func(b *backend) error {
		o, err := b.outcomes.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(o)
	})
}

func runOutcomesStatus(cmd *cobra.Command, args []string) error {
	status := stepflow.OutcomeStatus(args[1])
	if !status.IsValid() {
		return fmt.Errorf("unknown status %q", args[1])
	}
	return withBackend(cmd, func(b *backend) error {
		if err := b.outcomes.UpdateStatus(cmd.Context(), args[0], status); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", args[0], status)
		return nil
	})
}
