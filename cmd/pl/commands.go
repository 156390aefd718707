package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"podline/internal/app"
	"podline/internal/domain"
	"podline/internal/engine"
	"podline/internal/repo"
)

func orderCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "order", Short: "Work order commands"}
	cmd.AddCommand(orderCreateCmd())
	cmd.AddCommand(orderListCmd())
	cmd.AddCommand(orderShowCmd())
	cmd.AddCommand(orderUpdateCmd())
	cmd.AddCommand(orderDeleteCmd())
	cmd.AddCommand(orderUseCmd())
	cmd.AddCommand(orderActiveCmd())
	cmd.AddCommand(orderActionCmd("pause <id>", "Pause an executing order", func(ctx context.Context, e *engine.Engine, id string) (domain.WorkOrder, error) {
		return e.Pause(ctx, id)
	}))
	cmd.AddCommand(orderActionCmd("resume <id>", "Resume a paused order", func(ctx context.Context, e *engine.Engine, id string) (domain.WorkOrder, error) {
		return e.Resume(ctx, id)
	}))
	cmd.AddCommand(orderActionCmd("wait <id>", "Pause an order until the user responds", func(ctx context.Context, e *engine.Engine, id string) (domain.WorkOrder, error) {
		return e.WaitForUser(ctx, id)
	}))
	cmd.AddCommand(orderActionCmd("cancel <id>", "Cancel an order", func(ctx context.Context, e *engine.Engine, id string) (domain.WorkOrder, error) {
		return e.Cancel(ctx, id)
	}))
	cmd.AddCommand(orderActionCmd("complete <id>", "Complete an executing order and generate receipts", func(ctx context.Context, e *engine.Engine, id string) (domain.WorkOrder, error) {
		return e.Complete(ctx, id)
	}))
	cmd.AddCommand(orderFailCmd())
	return cmd
}

func orderFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Mark an order failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				wo, err := s.Engine.Fail(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(wo)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	return cmd
}

type scopeFlags struct {
	allowedPaths, forbiddenPaths, allowedTools, allowedAPIs string
}

func (f *scopeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.allowedPaths, "allowed-paths", "", "comma-separated allowed paths")
	cmd.Flags().StringVar(&f.forbiddenPaths, "forbidden-paths", "", "comma-separated forbidden paths")
	cmd.Flags().StringVar(&f.allowedTools, "allowed-tools", "", "comma-separated allowed tools")
	cmd.Flags().StringVar(&f.allowedAPIs, "allowed-apis", "", "comma-separated allowed APIs")
}

func (f *scopeFlags) scope() domain.Scope {
	return domain.Scope{
		AllowedPaths:   splitList(f.allowedPaths),
		ForbiddenPaths: splitList(f.forbiddenPaths),
		AllowedTools:   splitList(f.allowedTools),
		AllowedAPIs:    splitList(f.allowedAPIs),
	}
}

func orderCreateCmd() *cobra.Command {
	var objective, orderType, quality, authority string
	var budgetMinutes float64
	var sf scopeFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft work order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				wo, err := s.Engine.Create(ctx, engine.CreateOptions{
					Type:           domain.OrderType(orderType),
					Objective:      objective,
					BudgetMinutes:  budgetMinutes,
					QualityTarget:  domain.QualityTarget(quality),
					AuthorityLevel: domain.AuthorityLevel(authority),
					Scope:          sf.scope(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(wo)
			})
		},
	}
	cmd.Flags().StringVar(&objective, "objective", "", "objective")
	cmd.Flags().StringVar(&orderType, "type", "", "order type (generic, website-build, research-report)")
	cmd.Flags().Float64Var(&budgetMinutes, "budget-minutes", 0, "time budget in minutes")
	cmd.Flags().StringVar(&quality, "quality", "", "quality target")
	cmd.Flags().StringVar(&authority, "authority", "", "authority level")
	sf.bind(cmd)
	_ = cmd.MarkFlagRequired("objective")
	return cmd
}

func orderListCmd() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				var orders []domain.WorkOrder
				switch filter {
				case "", "all":
					orders = s.Engine.List()
				case "active":
					orders = s.Engine.ListActive()
				case "completed":
					orders = s.Engine.ListCompleted()
				default:
					return fmt.Errorf("unknown status filter %q", filter)
				}
				if viper.GetBool("json") {
					return printJSON(orders)
				}
				active, _ := s.Engine.Active()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"", "ID", "Type", "Status", "Progress", "Elapsed", "Objective"})
				for _, wo := range orders {
					marker := ""
					if wo.ID == active.ID {
						marker = "*"
					}
					elapsed := fmt.Sprintf("%.0f/%.0fm", wo.TimeBudget.ElapsedMinutes, wo.TimeBudget.TotalMinutes)
					tw.AppendRow(table.Row{marker, wo.ID, wo.Type, wo.Status, fmt.Sprintf("%.0f%%", wo.Progress), elapsed, wo.Objective})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter, "status", "all", "all, active or completed")
	return cmd
}

func orderShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				wo, err := s.Engine.Get(args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(wo)
			})
		},
	}
}

func orderUpdateCmd() *cobra.Command {
	var objective, orderType, quality, authority string
	var budgetMinutes, progress float64
	var sf scopeFlags
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.UpdateOptions
			flags := cmd.Flags()
			if flags.Changed("objective") {
				opts.Objective = &objective
			}
			if flags.Changed("type") {
				t := domain.OrderType(orderType)
				opts.Type = &t
			}
			if flags.Changed("budget-minutes") {
				opts.BudgetMinutes = &budgetMinutes
			}
			if flags.Changed("quality") {
				q := domain.QualityTarget(quality)
				opts.QualityTarget = &q
			}
			if flags.Changed("authority") {
				a := domain.AuthorityLevel(authority)
				opts.AuthorityLevel = &a
			}
			if flags.Changed("progress") {
				opts.Progress = &progress
			}
			if flags.Changed("allowed-paths") || flags.Changed("forbidden-paths") || flags.Changed("allowed-tools") || flags.Changed("allowed-apis") {
				scope := sf.scope()
				opts.Scope = &scope
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				wo, err := s.Engine.Update(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(wo)
			})
		},
	}
	cmd.Flags().StringVar(&objective, "objective", "", "objective")
	cmd.Flags().StringVar(&orderType, "type", "", "order type (draft orders only)")
	cmd.Flags().Float64Var(&budgetMinutes, "budget-minutes", 0, "time budget in minutes")
	cmd.Flags().StringVar(&quality, "quality", "", "quality target")
	cmd.Flags().StringVar(&authority, "authority", "", "authority level")
	cmd.Flags().Float64Var(&progress, "progress", 0, "progress percent")
	sf.bind(cmd)
	return cmd
}

func orderDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if err := s.Engine.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func orderUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Select the active work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if err := s.Engine.SetActive(ctx, args[0]); err != nil {
					return err
				}
				if err := writeActiveSelection(args[0]); err != nil {
					return err
				}
				fmt.Println("active work order:", args[0])
				return nil
			})
		},
	}
}

func orderActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "Show the active work order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				wo, ok := s.Engine.Active()
				if !ok {
					return fmt.Errorf("no active work order")
				}
				return printJSONOrTable(wo)
			})
		},
	}
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "plan", Short: "Execution plan commands"}
	cmd.AddCommand(orderActionCmd("generate <id>", "Synthesize a plan", func(ctx context.Context, e *engine.Engine, id string) (domain.WorkOrder, error) {
		return e.GeneratePlan(ctx, id)
	}))
	cmd.AddCommand(orderActionCmd("approve <id>", "Approve the plan and start execution", func(ctx context.Context, e *engine.Engine, id string) (domain.WorkOrder, error) {
		return e.ApprovePlan(ctx, id)
	}))
	cmd.AddCommand(planRejectCmd())
	return cmd
}

func orderActionCmd(use, short string, fn func(context.Context, *engine.Engine, string) (domain.WorkOrder, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				wo, err := fn(ctx, s.Engine, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(wo)
			})
		},
	}
}

func planRejectCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject the plan and return the order to draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				wo, err := s.Engine.RejectPlan(ctx, args[0], feedback)
				if err != nil {
					return err
				}
				return printJSONOrTable(wo)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback for the next plan")
	return cmd
}

func podCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pod", Short: "Pod commands"}
	cmd.AddCommand(podSpawnCmd())
	cmd.AddCommand(podUpdateCmd())
	cmd.AddCommand(podTerminateCmd())
	cmd.AddCommand(podAssignCmd())
	return cmd
}

func podSpawnCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "spawn <work-order-id>",
		Short: "Spawn a pod for a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				p, err := s.Engine.Spawn(ctx, args[0], domain.PodRole(role))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "pod role")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func podUpdateCmd() *cobra.Command {
	var status, provider, model, message string
	var maxTokens int64
	var tokensUsed int64
	cmd := &cobra.Command{
		Use:   "update <pod-id>",
		Short: "Update a pod",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				current, err := s.Engine.Pod(args[0])
				if err != nil {
					return err
				}
				var patch engine.PodPatch
				flags := cmd.Flags()
				if flags.Changed("status") {
					st := domain.PodStatus(status)
					patch.Status = &st
				}
				if flags.Changed("provider") || flags.Changed("model") {
					mc := current.Model
					if flags.Changed("provider") {
						mc.Provider = provider
					}
					if flags.Changed("model") {
						mc.Model = model
					}
					patch.Model = &mc
				}
				if flags.Changed("max-tokens") {
					limits := current.Limits
					limits.MaxTokens = maxTokens
					patch.Limits = &limits
				}
				if flags.Changed("tokens-used") {
					usage := current.Usage
					usage.Tokens = tokensUsed
					patch.Usage = &usage
				}
				if flags.Changed("message") {
					patch.Message = &domain.PodMessage{From: viper.GetString("actor-id"), Content: message}
				}
				p, err := s.Engine.UpdatePod(ctx, args[0], patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pod status")
	cmd.Flags().StringVar(&provider, "provider", "", "model provider")
	cmd.Flags().StringVar(&model, "model", "", "model name")
	cmd.Flags().Int64Var(&maxTokens, "max-tokens", 0, "token ceiling")
	cmd.Flags().Int64Var(&tokensUsed, "tokens-used", 0, "tokens used so far")
	cmd.Flags().StringVar(&message, "message", "", "append a message to the pod")
	return cmd
}

func podTerminateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <pod-id>",
		Short: "Terminate a pod",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				p, err := s.Engine.TerminatePod(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func podAssignCmd() *cobra.Command {
	var task domain.PodTask
	cmd := &cobra.Command{
		Use:   "assign <pod-id>",
		Short: "Assign a task to a pod",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				p, err := s.Engine.AssignTask(ctx, args[0], task)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&task.ID, "task-id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&task.Name, "name", "", "task name")
	cmd.Flags().StringVar(&task.Description, "description", "", "task description")
	cmd.Flags().StringVar(&task.PhaseID, "phase", "", "plan phase id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "checkpoint", Short: "Checkpoint commands"}
	cmd.AddCommand(checkpointAddCmd())
	cmd.AddCommand(checkpointReachCmd())
	cmd.AddCommand(checkpointRespondCmd())
	return cmd
}

func checkpointAddCmd() *cobra.Command {
	var phaseID, reason string
	cmd := &cobra.Command{
		Use:   "add <work-order-id>",
		Short: "Add a pending checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				cp, err := s.Engine.AddCheckpoint(ctx, args[0], phaseID, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(cp)
			})
		},
	}
	cmd.Flags().StringVar(&phaseID, "phase", "", "plan phase id")
	cmd.Flags().StringVar(&reason, "reason", "", "why approval is needed")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func checkpointReachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reach <checkpoint-id>",
		Short: "Mark a checkpoint reached",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				wo, err := s.Engine.ReachCheckpoint(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(wo)
			})
		},
	}
}

func checkpointRespondCmd() *cobra.Command {
	var action, rationale string
	cmd := &cobra.Command{
		Use:   "respond <checkpoint-id>",
		Short: "Decide a reached checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				wo, err := s.Engine.RespondCheckpoint(ctx, args[0], domain.CheckpointDecision{
					Action:    domain.DecisionAction(action),
					Rationale: rationale,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(wo)
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "continue, pause or cancel")
	cmd.Flags().StringVar(&rationale, "rationale", "", "decision rationale")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func artifactCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "artifact", Short: "Artifact commands"}
	cmd.AddCommand(artifactAddCmd())
	cmd.AddCommand(artifactUpdateCmd())
	return cmd
}

func artifactAddCmd() *cobra.Command {
	var in engine.ArtifactInput
	cmd := &cobra.Command{
		Use:   "add <work-order-id>",
		Short: "Record an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				a, err := s.Engine.AddArtifact(ctx, args[0], in)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&in.PodID, "pod", "", "producing pod id")
	cmd.Flags().StringVar(&in.Name, "name", "", "artifact name")
	cmd.Flags().StringVar(&in.Path, "path", "", "artifact path")
	cmd.Flags().StringVar(&in.Type, "type", "", "artifact type")
	cmd.Flags().StringVar(&in.Content, "content", "", "inline content")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func artifactUpdateCmd() *cobra.Command {
	var name, path, typ, content, status string
	cmd := &cobra.Command{
		Use:   "update <artifact-id>",
		Short: "Update an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.ArtifactPatch
			flags := cmd.Flags()
			if flags.Changed("name") {
				patch.Name = &name
			}
			if flags.Changed("path") {
				patch.Path = &path
			}
			if flags.Changed("type") {
				patch.Type = &typ
			}
			if flags.Changed("content") {
				patch.Content = &content
			}
			if flags.Changed("status") {
				patch.Status = &status
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				a, err := s.Engine.UpdateArtifact(ctx, args[0], patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "artifact name")
	cmd.Flags().StringVar(&path, "path", "", "artifact path")
	cmd.Flags().StringVar(&typ, "type", "", "artifact type")
	cmd.Flags().StringVar(&content, "content", "", "inline content")
	cmd.Flags().StringVar(&status, "status", "", "artifact status")
	return cmd
}

func budgetCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "budget", Short: "Time budget commands"}
	cmd.AddCommand(budgetReportCmd())
	return cmd
}

func budgetReportCmd() *cobra.Command {
	var minutes float64
	cmd := &cobra.Command{
		Use:   "report <work-order-id>",
		Short: "Report elapsed minutes, or show the budget when --minutes is omitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if cmd.Flags().Changed("minutes") {
					sig, err := s.Engine.ReportElapsed(ctx, args[0], minutes)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(sig)
					}
					fmt.Printf("level: %s (used %.0f%%)\n", sig.Level, sig.Used*100)
					if sig.Crossed {
						fmt.Printf("crossed from %s\n", sig.Previous)
					}
					return nil
				}
				wo, err := s.Engine.Get(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(wo.TimeBudget)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase", "Allocated (min)"})
				for phase, alloc := range wo.TimeBudget.PhaseAllocations {
					tw.AppendRow(table.Row{phase, fmt.Sprintf("%.1f", alloc)})
				}
				tw.AppendFooter(table.Row{"elapsed / total", fmt.Sprintf("%.1f / %.1f", wo.TimeBudget.ElapsedMinutes, wo.TimeBudget.TotalMinutes)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&minutes, "minutes", 0, "elapsed minutes to add")
	return cmd
}

func receiptCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "receipt", Short: "Receipt commands"}
	cmd.AddCommand(&cobra.Command{
		Use:   "generate <work-order-id>",
		Short: "Generate completion receipts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				r, err := s.Engine.GenerateReceipts(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log commands"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				evts, err := s.Repo.LatestEvents(ctx, n, 0, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Work Order", "Entity", "Actor"})
				for _, evt := range evts {
					entity := evt.EntityKind
					if evt.EntityID != "" {
						entity += ":" + evt.EntityID
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.WorkOrderID, entity, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.WorkOrderID, "work-order", "", "work order id")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "API key commands"}
	cmd.AddCommand(keyCreateCmd())
	return cmd
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --actor-id; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				buf := make([]byte, 24)
				if _, err := rand.Read(buf); err != nil {
					return err
				}
				key := "pl_" + hex.EncodeToString(buf)
				rec := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				}
				if err := s.Repo.InsertAPIKey(ctx, rec); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": rec.ID, "actor_id": rec.ActorID, "key": key})
				}
				fmt.Printf("API key %s for %s:\n%s\n", rec.ID, rec.ActorID, key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}
