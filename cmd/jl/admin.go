package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobline/internal/app"
	"jobline/internal/config"
	"jobline/internal/db"
	"jobline/internal/domain"
	"jobline/internal/ledger"
	"jobline/internal/migrate"
	"jobline/internal/repo"
	"jobline/internal/server"
)

func migrateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if status {
				pending, err := migrate.Pending(cmd.Context(), conn)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]any{"pending": pending})
				}
				fmt.Printf("%d pending: %s\n", len(pending), strings.Join(pending, ", "))
				return nil
			}
			applied, err := migrate.MigrateContext(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(map[string]any{"applied": applied})
			}
			if len(applied) == 0 {
				fmt.Println("database is up to date")
				return nil
			}
			fmt.Println("applied:", strings.Join(applied, ", "))
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "only list pending migrations")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in jobline.yml (or jobline.toml) at the workspace root. Arbiter thresholds and markers reload while 'jl serve' runs.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default jobline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if fileExists(path) {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if jsonOutput() {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Activity log",
		Long:  "The record of everything that happened to jobs: status changes, ledger mappings, plans, quality gates and feedback.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var jobID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest activity entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				r := rt.Engine.Repo
				var (
					entries []domain.ActivityEntry
					err     error
				)
				if jobID != "" {
					entries, err = r.ListActivity(ctx, jobID, 0, 0)
					if len(entries) > n {
						entries = entries[len(entries)-n:]
					}
				} else {
					var last int64
					if last, err = r.LastActivityID(ctx); err == nil {
						entries, err = r.ListActivitySince(ctx, max(last-int64(n), 0), n)
					}
				}
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, table.Row{e.ID, e.TS, e.JobID, e.ActorID, e.Action, e.Details})
				}
				return render(entries, table.Row{"ID", "TS", "Job", "Actor", "Action", "Details"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&jobID, "job", "", "only this job")
	return cmd
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	keys.AddCommand(apikeyCreateCmd())
	keys.AddCommand(apikeyListCmd())
	keys.AddCommand(apikeyRevokeCmd())
	return keys
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				raw, err := repo.GenerateAPIKey()
				if err != nil {
					return err
				}
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := rt.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": raw})
				}
				fmt.Printf("API key %s for %s (shown once):\n%s\n", key.ID, key.ActorID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the current actor's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				keys, err := rt.Engine.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, table.Row{k.ID, k.Name, k.CreatedAt})
				}
				return render(keys, table.Row{"ID", "Name", "Created"}, rows)
			})
		},
	}
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.Repo.RevokeAPIKey(ctx, args[0])
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return errors.New("no JWT secret: set server.jwt_secret or JOBLINE_JWT_SECRET")
			}
			token, err := server.SignToken(cfg.Server.JWTSecret, viper.GetString("actor-id"), roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (arbiter, ledger, worker); repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "ledger",
		Short: "Development escrow ledger",
		Long:  "The memory driver keeps a hash-chained ledger in .jobline/ledger.jsonl. These commands write to it and can serve it over JSON-RPC for the rpc driver.",
	}
	l.AddCommand(ledgerEmitCmd())
	l.AddCommand(ledgerVerifyCmd())
	l.AddCommand(ledgerServeDevCmd())
	return l
}

func openLocalLedger() (*ledger.Local, error) {
	return ledger.OpenLocal(app.LocalLedgerPath(viper.GetString("workspace")))
}

func ledgerEmitCmd() *cobra.Command {
	var typ, chainJobID, jobRef, resolution, amount string
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Append one event in a new block",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLocalLedger()
			if err != nil {
				return err
			}
			data := map[string]string{}
			for k, v := range map[string]string{ledger.DataJobRef: jobRef, ledger.DataResolution: resolution, ledger.DataAmount: amount} {
				if v != "" {
					data[k] = v
				}
			}
			events, err := l.Emit(ledger.Event{Type: ledger.EventType(typ), ChainJobID: chainJobID, Data: data})
			if err != nil {
				return err
			}
			return printJSON(events)
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "JobCreated, JobFunded, JobDisputed, FundsReleased, JobRefunded or DisputeResolved")
	cmd.Flags().StringVar(&chainJobID, "chain-job-id", "", "ledger job id")
	cmd.Flags().StringVar(&jobRef, "job-ref", "", "off-chain job id carried by JobCreated")
	cmd.Flags().StringVar(&resolution, "resolution", "", "resolution carried by DisputeResolved")
	cmd.Flags().StringVar(&amount, "amount", "", "amount")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("chain-job-id")
	return cmd
}

func ledgerVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the block hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			// OpenLocal verifies the chain while loading.
			l, err := openLocalLedger()
			if err != nil {
				return err
			}
			latest, err := l.LatestBlock(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("ledger OK (%d blocks)\n", latest)
			return nil
		},
	}
}

func ledgerServeDevCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-dev",
		Short: "Serve the local ledger over JSON-RPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLocalLedger()
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: ledger.Handler(l)}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving development ledger JSON-RPC on http://%s\n", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8545", "listen address")
	return cmd
}
