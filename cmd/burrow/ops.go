package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/burrowhq/burrow/pkg/engine"
	"github.com/burrowhq/burrow/pkg/types"
)

var publishCmd = &cobra.Command{
	Use:   "publish EXCHANGE [ROUTING-KEY]",
	Short: "Publish a message through an exchange",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		exchange := args[0]
		routingKey := ""
		if len(args) == 2 {
			routingKey = args[1]
		}
		payload, _ := cmd.Flags().GetString("payload")
		headers, _ := cmd.Flags().GetStringArray("header")
		priority, _ := cmd.Flags().GetInt("priority")
		correlation, _ := cmd.Flags().GetString("correlation")
		contentType, _ := cmd.Flags().GetString("content-type")
		delay, _ := cmd.Flags().GetDuration("delay")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		mandatory, _ := cmd.Flags().GetBool("mandatory")

		eng, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Stop()

		opts := engine.PublishOptions{
			Priority:    priority,
			Correlation: correlation,
			ContentType: contentType,
			Mandatory:   mandatory,
		}
		if len(headers) > 0 {
			opts.Headers = make(map[string]string, len(headers))
			for _, h := range headers {
				k, v, err := splitKV(h)
				if err != nil {
					return err
				}
				opts.Headers[k] = v
			}
		}
		now := time.Now()
		if delay > 0 {
			opts.NotBefore = now.Add(delay)
		}
		if ttl > 0 {
			opts.ExpiresAt = now.Add(ttl)
		}

		ids, err := eng.Publish(exchange, routingKey, []byte(payload), opts)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("✓ Published, no queue matched")
			return nil
		}

		fmt.Printf("✓ Published to %d queue(s)\n", len(ids))
		for _, id := range ids {
			if env, ok := eng.DescribeEnvelope(id); ok {
				fmt.Printf("  %s -> %s\n", id, env.Queue)
			}
		}
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit TASK-DEF",
	Short: "Submit a task invocation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskDef := args[0]
		rawArgs, _ := cmd.Flags().GetStringArray("arg")
		rawKwargs, _ := cmd.Flags().GetStringArray("kwarg")
		priority, _ := cmd.Flags().GetInt("priority")
		correlation, _ := cmd.Flags().GetString("correlation")
		delay, _ := cmd.Flags().GetDuration("delay")

		eng, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Stop()

		opts := engine.SubmitOptions{
			Priority:    priority,
			Correlation: correlation,
		}
		for _, raw := range rawArgs {
			opts.Args = append(opts.Args, parseScalar(raw))
		}
		if len(rawKwargs) > 0 {
			opts.Kwargs = make(map[string]types.Scalar, len(rawKwargs))
			for _, raw := range rawKwargs {
				k, v, err := splitKV(raw)
				if err != nil {
					return err
				}
				opts.Kwargs[k] = parseScalar(v)
			}
		}
		if delay > 0 {
			opts.NotBefore = time.Now().Add(delay)
		}

		id, err := eng.SubmitTask(taskDef, opts)
		if err != nil {
			return err
		}

		env, _ := eng.DescribeEnvelope(id)
		fmt.Printf("✓ Task submitted\n")
		fmt.Printf("  Envelope: %s\n", id)
		fmt.Printf("  Queue:    %s\n", env.Queue)
		return nil
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger JOB",
	Short: "Fire a job definition now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Stop()

		runID, err := eng.TriggerJob(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("✓ Job triggered\n")
		fmt.Printf("  Run: %s\n", runID)
		for _, run := range eng.JobRuns(args[0]) {
			if run.ID == runID {
				fmt.Printf("  State: %s\n", run.State)
			}
		}
		return nil
	},
}

// Workflow commands
var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflow instances",
}

var workflowStartCmd = &cobra.Command{
	Use:   "start WORKFLOW",
	Short: "Start a workflow instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rawVars, _ := cmd.Flags().GetStringArray("var")

		eng, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Stop()

		vars := make(map[string]types.Scalar, len(rawVars))
		for _, raw := range rawVars {
			k, v, err := splitKV(raw)
			if err != nil {
				return err
			}
			vars[k] = parseScalar(v)
		}

		id, err := eng.StartWorkflow(args[0], vars)
		if err != nil {
			return err
		}

		fmt.Printf("✓ Workflow instance started\n")
		fmt.Printf("  Instance: %s\n", id)
		return nil
	},
}

var workflowCancelCmd = &cobra.Command{
	Use:   "cancel INSTANCE-ID",
	Short: "Cancel a running workflow instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Stop()

		if err := eng.CancelWorkflowInstance(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Instance %s cancelled\n", args[0])
		return nil
	},
}

var workflowShowCmd = &cobra.Command{
	Use:   "show INSTANCE-ID",
	Short: "Show a workflow instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Stop()

		view, ok := eng.GetWorkflowInstance(args[0])
		if !ok {
			return fmt.Errorf("instance %s: %w", args[0], errNotFound)
		}

		fmt.Printf("Instance: %s\n", view.ID)
		fmt.Printf("  Workflow: %s (version %d)\n", view.Workflow, view.Version)
		fmt.Printf("  State:    %s\n", view.State)
		fmt.Printf("  Started:  %s\n", view.StartedAt.Format(time.RFC3339))
		if !view.CompletedAt.IsZero() {
			fmt.Printf("  Finished: %s\n", view.CompletedAt.Format(time.RFC3339))
		}
		if view.Failure != "" {
			fmt.Printf("  Failure:  %s\n", view.Failure)
		}
		if len(view.Frontier) > 0 {
			fmt.Printf("  Frontier: %s\n", strings.Join(view.Frontier, ", "))
		}
		if len(view.History) > 0 {
			fmt.Println("  History:")
			for _, entry := range view.History {
				fmt.Printf("    %4d %-24s %s\n", entry.Seq, entry.Kind, entry.Node)
			}
		}
		return nil
	},
}

var workflowListCmd = &cobra.Command{
	Use:   "list [WORKFLOW]",
	Short: "List workflow instances",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}

		eng, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Stop()

		views := eng.ListWorkflowInstances(name)
		if len(views) == 0 {
			fmt.Println("No instances")
			return nil
		}
		for _, v := range views {
			fmt.Printf("%s  %-12s %s\n", v.ID, v.State, v.Workflow)
		}
		return nil
	},
}

func init() {
	publishCmd.Flags().String("payload", "", "Message payload")
	publishCmd.Flags().StringArray("header", nil, "Message header (key=value, repeatable)")
	publishCmd.Flags().Int("priority", 0, "Priority 0-10")
	publishCmd.Flags().String("correlation", "", "Correlation ID")
	publishCmd.Flags().String("content-type", "", "Payload content type")
	publishCmd.Flags().Duration("delay", 0, "Delay before the message becomes eligible")
	publishCmd.Flags().Duration("ttl", 0, "Message time to live")
	publishCmd.Flags().Bool("mandatory", false, "Fail when no queue matches")

	submitCmd.Flags().StringArray("arg", nil, "Positional argument (repeatable)")
	submitCmd.Flags().StringArray("kwarg", nil, "Keyword argument (key=value, repeatable)")
	submitCmd.Flags().Int("priority", 0, "Priority 0-10")
	submitCmd.Flags().String("correlation", "", "Correlation ID")
	submitCmd.Flags().Duration("delay", 0, "Delay before the task becomes eligible")

	workflowStartCmd.Flags().StringArray("var", nil, "Initial variable (key=value, repeatable)")

	workflowCmd.AddCommand(workflowStartCmd)
	workflowCmd.AddCommand(workflowCancelCmd)
	workflowCmd.AddCommand(workflowShowCmd)
	workflowCmd.AddCommand(workflowListCmd)
}

// splitKV splits a key=value flag argument
func splitKV(raw string) (string, string, error) {
	idx := strings.Index(raw, "=")
	if idx <= 0 {
		return "", "", fmt.Errorf("expected key=value, got %q", raw)
	}
	return raw[:idx], raw[idx+1:], nil
}

// parseScalar infers the scalar kind of a flag value: bool, then int,
// then float, falling back to string
func parseScalar(raw string) types.Scalar {
	if raw == "true" || raw == "false" {
		return types.Bool(raw == "true")
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return types.Int(n)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return types.Float(f)
	}
	return types.String(raw)
}
