package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"podline/internal/app"
	"podline/internal/db"
	"podline/internal/engine"
	"podline/internal/observability"
	"podline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Podline CLI",
	Long: `Podline runs bounded work orders through role-scoped pods.
Core concepts:
- Work order: an objective with a time budget, a quality target and an authority level.
- Plan: phases and tasks synthesized from the order type; it must be approved before execution.
- Pods: workers spawned per role when a plan is approved; they carry task queues and resource ceilings.
- Checkpoints: approval gates reached during execution; a decision continues, pauses or cancels the order.
- Budget: elapsed minutes reported against the budget raise warning, critical and exhausted signals.
- Receipts: executive, technical, per-pod and rollback summaries produced when an order completes.
- Event log: every change is journaled; view it with 'pl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PODLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to podline.yml in the workspace)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(podCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(receiptCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(serveCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("PODLINE_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("PODLINE_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := observability.InitTracingFromEnv("podline")
			if err != nil {
				return err
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracing(flushCtx)
			}()

			log := slog.Default()
			s, err := app.Open(ctx, app.Options{
				Workspace:  viper.GetString("workspace"),
				ConfigPath: viper.GetString("config"),
				Recover:    true,
				Logger:     log,
			})
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := s.Close(closeCtx); err != nil {
					log.Error("close session", "err", err)
				}
			}()

			handler, err := server.New(server.Config{
				Engine:   s.Engine,
				Repo:     s.Repo,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, AllowLegacyActorHeader: legacyActor, Logger: log},
				Logger:   log,
			})
			if err != nil {
				return err
			}
			if d := server.NewWebhookDispatcher(s.Repo, s.Config.Webhooks, log); d != nil {
				d.MarkStart(ctx)
				go d.Run(ctx)
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Podline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacyActor, "allow-actor-header", false, "accept X-Actor-Id without credentials")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show registry status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				counts := map[string]int{}
				for _, wo := range s.Engine.List() {
					counts[string(wo.Status)]++
				}
				active := ""
				if wo, ok := s.Engine.Active(); ok {
					active = wo.ID
				}
				out := struct {
					WorkOrders  int            `json:"work_orders"`
					Counts      map[string]int `json:"counts"`
					Active      string         `json:"active_work_order_id,omitempty"`
					LastUpdate  int64          `json:"last_update"`
					Persistence any            `json:"persistence"`
				}{
					WorkOrders:  len(s.Engine.List()),
					Counts:      counts,
					Active:      active,
					LastUpdate:  s.Engine.LastUpdate(),
					Persistence: s.Engine.PersistenceStatus(),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Work orders: %d\n", out.WorkOrders)
				for status, n := range counts {
					fmt.Printf("  %s: %d\n", status, n)
				}
				if active != "" {
					fmt.Printf("Active: %s\n", active)
				}
				return nil
			})
		},
	}
}

// withSession opens the workspace for one command. Mutations made under the
// passed context are attributed to --actor-id.
func withSession(ctx context.Context, fn func(context.Context, *app.Session) error) error {
	s, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
	})
	if err != nil {
		return err
	}
	ctx = engine.WithActor(ctx, viper.GetString("actor-id"))
	if id := readActiveSelection(); id != "" {
		s.Engine.Select(id)
	}
	runErr := fn(ctx, s)
	if err := s.Close(ctx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

// The registry's active selection lives in memory; the CLI keeps it across
// invocations in the workspace state directory.
func activeSelectionPath() string {
	return filepath.Join(filepath.Dir(db.Path(viper.GetString("workspace"))), "active")
}

func readActiveSelection() string {
	b, err := os.ReadFile(activeSelectionPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func writeActiveSelection(id string) error {
	return os.WriteFile(activeSelectionPath(), []byte(id+"\n"), 0o644)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
