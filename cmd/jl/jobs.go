package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobline/internal/app"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/repo"
)

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
	}
	job.AddCommand(jobCreateCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobTransitionCmd())
	job.AddCommand(jobTasksCmd())
	return job
}

func jobCreateCmd() *cobra.Command {
	var in engine.CreateJobInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job with the current actor as client",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.ClientID == "" {
				in.ClientID = viper.GetString("actor-id")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				job, err := rt.Engine.CreateJob(ctx, in)
				if err != nil {
					return err
				}
				return printJob(job)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "job id (generated when empty)")
	cmd.Flags().StringVar(&in.ClientID, "client-id", "", "client actor (defaults to --actor-id)")
	cmd.Flags().StringVar(&in.AgentID, "agent-id", "", "agent actor")
	cmd.Flags().StringVar(&in.ServiceID, "service-id", "", "service identifier")
	cmd.Flags().StringVar(&in.Price, "price", "", "price")
	cmd.Flags().StringVar(&in.ChainJobID, "chain-job-id", "", "ledger job id, when already known")
	_ = cmd.MarkFlagRequired("agent-id")
	return cmd
}

func jobListCmd() *cobra.Command {
	var f repo.JobFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				s, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = s
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				jobs, err := rt.Engine.Repo.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(jobs))
				for _, j := range jobs {
					rows = append(rows, table.Row{j.ID, j.Status, j.ClientID, j.AgentID, j.Price, j.RevisionRound, optional(j.ChainJobID), j.UpdatedAt})
				}
				return render(jobs, table.Row{"ID", "Status", "Client", "Agent", "Price", "Round", "Chain", "Updated"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.PartyID, "party", "", "client or agent filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum jobs")
	return cmd
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				job, err := rt.Engine.Job(ctx, args[0])
				if err != nil {
					return err
				}
				return printJob(job)
			})
		},
	}
}

func jobTransitionCmd() *cobra.Command {
	var req engine.TransitionRequest
	var target, role, expect string
	cmd := &cobra.Command{
		Use:   "transition <job-id>",
		Short: "Move a job to another status as the current actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch domain.ActorRole(role) {
			case "", domain.RoleClient, domain.RoleAgent:
			default:
				return fmt.Errorf("--role must be client or agent; use 'jl arbiter resolve' or 'jl sync' for the others")
			}
			req.JobID = args[0]
			req.Target = domain.JobStatus(target)
			req.Role = domain.ActorRole(role)
			req.ExpectStatus = domain.JobStatus(expect)
			req.ActorID = viper.GetString("actor-id")
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				job, err := rt.Engine.AttemptTransition(ctx, req)
				if err != nil {
					return err
				}
				return printJob(job)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target status")
	cmd.Flags().StringVar(&role, "role", "", "client or agent (inferred when the actor is one party)")
	cmd.Flags().StringVar(&expect, "expect", "", "fail unless the job is currently in this status")
	cmd.Flags().StringVar(&req.EscrowTxRef, "escrow-tx-ref", "", "funding transaction reference")
	cmd.Flags().StringVar(&req.ChainJobID, "chain-job-id", "", "ledger job id")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "notes recorded with the transition")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func jobTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks <job-id>",
		Short: "List a job's tasks in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tasks, err := rt.Engine.Repo.ListTasks(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(tasks))
				for _, t := range tasks {
					rows = append(rows, table.Row{t.OrderIndex, t.ID, t.Type, t.Status, t.Title})
				}
				return render(tasks, table.Row{"#", "ID", "Type", "Status", "Title"}, rows)
			})
		},
	}
}

func printJob(job domain.Job) error {
	rows := []table.Row{
		{"id", job.ID},
		{"status", job.Status},
		{"client", job.ClientID},
		{"agent", job.AgentID},
		{"price", job.Price},
		{"revision_round", job.RevisionRound},
		{"escrow_tx_ref", optional(job.EscrowTxRef)},
		{"chain_job_id", optional(job.ChainJobID)},
		{"deliverables", len(job.Deliverables)},
		{"version", job.Version},
		{"updated_at", job.UpdatedAt},
	}
	return render(job, table.Row{"Field", "Value"}, rows)
}
