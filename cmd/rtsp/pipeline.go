package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

var runAll bool

var prepareCmd = &cobra.Command{
	Use:   "prepare <dataset>",
	Short: "Filter a dataset's raw table into its source table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			result, err := a.runner.Prepare(ctx, args[0])
			if err != nil {
				return err
			}
			if result == nil {
				a.log.WithField("dataset", args[0]).Info("Dataset has no raw table, nothing to prepare")
				return nil
			}
			return printJSON(cmd, result)
		})
	},
}

var matchCmd = &cobra.Command{
	Use:   "match <dataset>",
	Short: "Match a dataset's source segments to network edges",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			result, err := a.runner.Match(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		})
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate <dataset>",
	Short: "Aggregate matched source values onto network edges",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			report, err := a.runner.Aggregate(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		})
	},
}

var qaqcCmd = &cobra.Command{
	Use:   "qaqc <dataset>",
	Short: "Draw connector lines between matched sources and edges",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			report, err := a.runner.Diagnose(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run [dataset...]",
	Short: "Run prepare, match, aggregate and qaqc for datasets",
	Long: `Run every stage for the named datasets in order, or for every configured
dataset with --all. Stops at the first failing stage.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !runAll && len(args) == 0 {
			return errors.New("name at least one dataset or pass --all")
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if runAll {
				summaries, err := a.runner.RunAll(ctx)
				if perr := printJSON(cmd, summaries); perr != nil {
					return perr
				}
				return err
			}
			for _, name := range args {
				summary, err := a.runner.Run(ctx, name)
				if summary != nil {
					if perr := printJSON(cmd, summary); perr != nil {
						return perr
					}
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var explainCmd = &cobra.Command{
	Use:   "explain <dataset> <uid>",
	Short: "Show every candidate edge of one source segment and why it matched or not",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			req, err := a.runner.MatchRequest(args[0])
			if err != nil {
				return err
			}
			candidates, err := a.runner.Matcher().Explain(ctx, req, args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, candidates)
		})
	},
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List the geometry tables in the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			tables, err := a.geometry.Tables(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, tables)
		})
	},
}

func init() {
	runCmd.Flags().BoolVar(&runAll, "all", false, "Run every configured dataset")
	rootCmd.AddCommand(prepareCmd, matchCmd, aggregateCmd, qaqcCmd, runCmd, explainCmd, tablesCmd)
}
