package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"jobline/internal/app"
	"jobline/internal/domain"
	"jobline/internal/ingest"
)

func syncCmd() *cobra.Command {
	var from, lookback uint64
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile escrow ledger events into job state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var req ingest.SyncRequest
			if cmd.Flags().Changed("from") {
				req.FromBlock = &from
			}
			req.Lookback = lookback
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Ingestor.Sync(ctx, req)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(res.Outcomes))
				for _, o := range res.Outcomes {
					rows = append(rows, table.Row{o.Block, o.LogIndex, o.Type, o.ChainJobID, o.JobID, o.Status, o.Error})
				}
				if err := render(res, table.Row{"Block", "Log", "Type", "Chain job", "Job", "Status", "Error"}, rows); err != nil {
					return err
				}
				if !jsonOutput() {
					fmt.Printf("blocks %d-%d: processed=%d skipped=%d errors=%d checkpoint=%d\n",
						res.From, res.To, res.Processed, res.Skipped, res.Errors, res.Checkpoint)
				}
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "first block to scan (ignores the checkpoint)")
	cmd.Flags().Uint64Var(&lookback, "lookback", 0, "re-scan this many blocks behind the latest")
	return cmd
}

func arbiterCmd() *cobra.Command {
	arb := &cobra.Command{
		Use:   "arbiter",
		Short: "Inspect and settle disputes",
	}
	arb.AddCommand(arbiterDisputesCmd())
	arb.AddCommand(arbiterEvidenceCmd())
	arb.AddCommand(arbiterResolveCmd())
	arb.AddCommand(arbiterAutoCmd())
	arb.AddCommand(arbiterTimeoutsCmd())
	return arb
}

func arbiterDisputesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disputes",
		Short: "List disputed jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				jobs, err := rt.Arbiter.ListDisputes(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(jobs))
				for _, j := range jobs {
					rows = append(rows, table.Row{j.ID, j.ClientID, j.AgentID, j.Price, optional(j.ChainJobID), j.UpdatedAt})
				}
				return render(jobs, table.Row{"ID", "Client", "Agent", "Price", "Chain", "Disputed since"}, rows)
			})
		},
	}
}

func arbiterEvidenceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evidence <job-id>",
		Short: "Show the evidence bundle and the heuristic recommendation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				d, ev, err := rt.Arbiter.Analyze(ctx, args[0], rt.Arbiter.Heuristic)
				if err != nil {
					return err
				}
				out := map[string]any{"evidence": ev, "recommendation": d}
				rows := []table.Row{
					{"tasks", fmt.Sprintf("%d/%d", ev.TasksCompleted, ev.TasksTotal)},
					{"completion", fmt.Sprintf("%.2f", ev.CompletionRatio)},
					{"deliverables", ev.HasDeliverables},
					{"marker hits", len(ev.MarkerHits)},
					{"quality gates", len(ev.QualityGates)},
					{"messages", len(ev.Transcript)},
					{"recommendation", d.Resolution},
					{"notes", d.Notes},
				}
				return render(out, table.Row{"Evidence", "Value"}, rows)
			})
		},
	}
}

func arbiterResolveCmd() *cobra.Command {
	var resolution, notes, chainRef string
	cmd := &cobra.Command{
		Use:   "resolve <job-id>",
		Short: "Settle a dispute on the ledger, then off-chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				out, err := rt.Arbiter.Resolve(ctx, args[0], domain.Resolution(resolution), notes, chainRef)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(out)
				}
				fmt.Printf("%s: %s (ledger tx %s, block %d)\n", out.Job.ID, out.Job.Status, out.Receipt.TxRef, out.Receipt.Block)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "release, revise or refund")
	cmd.Flags().StringVar(&notes, "notes", "", "reasoning recorded with the settlement")
	cmd.Flags().StringVar(&chainRef, "chain-ref", "", "ledger job id for jobs not yet mapped")
	_ = cmd.MarkFlagRequired("resolution")
	return cmd
}

func arbiterAutoCmd() *cobra.Command {
	var execute bool
	cmd := &cobra.Command{
		Use:   "auto <job-id>",
		Short: "Run the heuristic; --execute settles with its decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Arbiter.AutoResolve(ctx, args[0], execute)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res)
				}
				verb := "recommends"
				if res.Executed {
					verb = "executed"
				}
				fmt.Printf("%s: heuristic %s %s (%s); job is %s\n", args[0], verb, res.Decision.Resolution, res.Decision.Notes, res.Job.Status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&execute, "execute", false, "submit the decision to the ledger and apply it")
	return cmd
}

func arbiterTimeoutsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timeouts",
		Short: "Report revision rounds past their deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				timeouts, err := rt.Arbiter.CheckTimeouts(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(timeouts))
				for _, t := range timeouts {
					rows = append(rows, table.Row{t.JobID, t.Deadline.Format("2006-01-02 15:04"), t.Source})
				}
				return render(timeouts, table.Row{"Job", "Deadline", "Source"}, rows)
			})
		},
	}
}
