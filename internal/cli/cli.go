package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	internal_http "github.com/leadflow/leadflow/internal/http"
	"github.com/leadflow/leadflow/internal/log"
	"github.com/leadflow/leadflow/pkg/models"
	"github.com/leadflow/leadflow/pkg/service"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// SetupCLI registers every leadflow command on rootCmd.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Config file (default leadflow.yaml in . or ./config)")
	rootCmd.PersistentFlags().String("db", "", "Database connection string (overrides database.url)")
	rootCmd.SilenceUsage = true

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a)
		},
	}

	workflowCmd := &cobra.Command{Use: "workflow", Short: "Manage workflow definitions"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow from a YAML or JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			inactive, _ := cmd.Flags().GetBool("inactive")
			def, err := loadWorkflowFile(file)
			if err != nil {
				return err
			}
			if name, _ := cmd.Flags().GetString("name"); name != "" {
				def.Name = name
			}
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.svc.CreateWorkflow(cmd.Context(), def.Name, def.Actions, !inactive)
			if err != nil {
				return errors.Wrap(err, "failed to create workflow")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created workflow '%s' with ID %d\n", def.Name, id)
			return nil
		},
	}
	createCmd.Flags().StringP("file", "f", "", "Workflow definition file (.yaml, .yml or .json)")
	createCmd.Flags().String("name", "", "Override the name from the file")
	createCmd.Flags().Bool("inactive", false, "Create the workflow deactivated")
	_ = createCmd.MarkFlagRequired("file")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			workflows, err := a.svc.ListWorkflows(cmd.Context())
			if err != nil {
				return errors.Wrap(err, "failed to list workflows")
			}
			printWorkflows(cmd.OutOrStdout(), workflows)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			wf, err := a.svc.GetWorkflow(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), wf)
		},
	}

	toggle := func(use string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " [id]",
			Short: strings.ToUpper(use[:1]) + use[1:] + " a workflow",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				a, err := newApp(cmd)
				if err != nil {
					return err
				}
				defer a.Close()
				if err := a.svc.SetWorkflowActive(cmd.Context(), id, active); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Workflow %d is now %s\n", id, activeLabel(active))
				return nil
			},
		}
	}
	workflowCmd.AddCommand(createCmd, listCmd, showCmd, toggle("activate", true), toggle("deactivate", false))

	runCmd := &cobra.Command{
		Use:   "run [workflow-id]",
		Short: "Execute a workflow now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			trigger, _ := cmd.Flags().GetString("trigger")
			rawCtx, _ := cmd.Flags().GetString("context")
			entityIDs, _ := cmd.Flags().GetStringSlice("entity")
			tc, err := parseTriggerContext(rawCtx)
			if err != nil {
				return err
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return run(cmd.Context(), cmd.OutOrStdout(), a, id, models.TriggerKind(trigger), tc, entityIDs)
		},
	}
	runCmd.Flags().String("trigger", string(models.ManualTrigger), "Trigger kind: schedule, manual or event")
	runCmd.Flags().String("context", "{}", "Trigger context as a JSON object")
	runCmd.Flags().StringSlice("entity", nil, "Run once per entity id (sets entity_id in the context)")

	executionCmd := &cobra.Command{Use: "execution", Short: "Inspect the execution journal"}

	execShowCmd := &cobra.Command{
		Use:   "show [execution-id]",
		Short: "Show an execution and its action logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			report, err := a.svc.GetExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printExecution(cmd.OutOrStdout(), report)
			return nil
		},
	}

	execListCmd := &cobra.Command{
		Use:   "list [workflow-id]",
		Short: "List recent executions of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			execs, err := a.svc.ListExecutions(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			printExecutions(cmd.OutOrStdout(), execs)
			return nil
		},
	}
	execListCmd.Flags().Int("limit", 20, "Maximum number of executions")
	executionCmd.AddCommand(execShowCmd, execListCmd)

	rootCmd.AddCommand(serveCmd, workflowCmd, runCmd, executionCmd)
}

func serve(ctx context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := log.GetLogger()

	pool := service.NewWorkerPool(ctx, a.runner, logger)
	pool.Start(a.cfg.Workers)
	server := internal_http.NewServer(a.svc, a.runner, pool, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, a.cfg.HTTP.Port)
	})
	g.Go(func() error {
		<-gctx.Done()
		pool.Stop()
		return nil
	})
	return g.Wait()
}

func run(ctx context.Context, out io.Writer, a *app, id int64, trigger models.TriggerKind, tc models.TriggerContext, entityIDs []string) error {
	if len(entityIDs) == 0 {
		execID, err := a.runner.ExecuteWorkflow(ctx, id, trigger, tc)
		if execID != "" {
			fmt.Fprintf(out, "Execution %s\n", execID)
		}
		if err != nil {
			return errors.Wrap(err, "execution failed")
		}
		fmt.Fprintln(out, "Status: success")
		return nil
	}

	pool := service.NewWorkerPool(ctx, a.runner, log.GetLogger())
	pool.Start(a.cfg.Workers)
	defer pool.Stop()

	failed := 0
	for i, res := range pool.ExecuteBatch(ctx, service.EntityRuns(id, trigger, tc, entityIDs)) {
		status := "success"
		if res.Err != nil {
			status = "failed: " + res.Err.Error()
			failed++
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", entityIDs[i], res.ExecutionID, status)
	}
	if failed > 0 {
		return errors.Errorf("%d of %d executions failed", failed, len(entityIDs))
	}
	return nil
}

// workflowFile is the on-disk form of a workflow definition.
type workflowFile struct {
	Name    string            `json:"name"`
	Actions models.ActionList `json:"actions"`
}

// loadWorkflowFile reads a YAML or JSON definition. YAML is converted to JSON
// first so both formats share the action decoding rules.
func loadWorkflowFile(path string) (workflowFile, error) {
	var def workflowFile
	data, err := os.ReadFile(path)
	if err != nil {
		return def, errors.Wrap(err, "read workflow file")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return def, errors.Wrapf(err, "parse %s", path)
		}
		if data, err = json.Marshal(doc); err != nil {
			return def, errors.Wrapf(err, "convert %s", path)
		}
	case ".json":
	default:
		return def, errors.Errorf("unsupported workflow file %q: use .yaml, .yml or .json", path)
	}
	if err := json.Unmarshal(data, &def); err != nil {
		return def, errors.Wrapf(err, "decode %s", path)
	}
	return def, nil
}

func parseTriggerContext(raw string) (models.TriggerContext, error) {
	tc := models.TriggerContext{}
	if strings.TrimSpace(raw) == "" {
		return tc, nil
	}
	if err := json.Unmarshal([]byte(raw), &tc); err != nil {
		return nil, errors.Wrap(err, "context must be a JSON object")
	}
	return tc, nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid workflow id %q", raw)
	}
	return id, nil
}

func activeLabel(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printWorkflows(out io.Writer, workflows []models.Workflow) {
	if len(workflows) == 0 {
		fmt.Fprintf(out, "No workflows found.\n")
		return
	}
	fmt.Fprintf(out, "Workflows:\n")
	for _, wf := range workflows {
		fmt.Fprintf(out, "- ID: %d, Name: %s, Status: %s, Actions: %d, Created: %s\n",
			wf.ID, wf.Name, activeLabel(wf.IsActive), len(wf.Actions), wf.CreatedAt.Format(time.RFC3339))
	}
}

func printExecutions(out io.Writer, execs []models.WorkflowExecution) {
	if len(execs) == 0 {
		fmt.Fprintf(out, "No executions found.\n")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTRIGGER\tSTATUS\tSTARTED\tERROR")
	for _, e := range execs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.TriggeredBy, e.Status, e.StartedAt.Format(time.RFC3339), e.ErrorMessage)
	}
	_ = tw.Flush()
}

func printExecution(out io.Writer, report service.ExecutionReport) {
	fmt.Fprintf(out, "Execution %s of workflow %d\n", report.ID, report.WorkflowID)
	fmt.Fprintf(out, "Triggered by: %s\n", report.TriggeredBy)
	fmt.Fprintf(out, "Status: %s\n", report.Status)
	if report.ErrorMessage != "" {
		fmt.Fprintf(out, "Error: %s\n", report.ErrorMessage)
	}
	if len(report.Result) > 0 {
		fmt.Fprintf(out, "Result: %s\n", report.Result)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTYPE\tSTATUS\tDETAIL")
	for _, l := range report.Actions {
		detail := string(l.Result)
		if l.ErrorMessage != "" {
			detail = l.ErrorMessage
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", l.ActionIndex, l.ActionType, l.Status, detail)
	}
	_ = tw.Flush()
}
