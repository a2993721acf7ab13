package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/vim/pkg/client"
	"github.com/cuemby/vim/pkg/strategy"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var strategyCmd = &cobra.Command{
	Use:   "strategy",
	Short: "Manage update strategies",
	Long:  `Create, inspect, apply, abort and delete update strategies on a
running engine.

Kinds: sw-patch, sw-deploy, fw-update, kube-upgrade, kube-rootca-update`,
}

var strategyCreateCmd = &cobra.Command{
	Use:   "create KIND",
	Short: "Create a strategy and run its build phase",
	Long:  `Create a strategy of KIND from an intent file.

Examples:
  # Firmware update, one worker at a time
  vim strategy create fw-update

  # Software deployment from an intent file
  vim strategy create sw-deploy -f deploy.yaml

  # Intent file
  worker_apply_type: parallel
  max_parallel_worker_hosts: 4
  default_instance_action: migrate
  alarm_restrictions: relaxed
  release: starlingx-10.0.1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := strategy.ParseKind(args[0])
		if err != nil {
			return err
		}
		intent, err := readIntent(cmd)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			s, err := c.CreateStrategy(ctx, kind, intent)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Strategy %s created\n", s.UUID)
			return printStrategy(cmd, s)
		})
	},
}

var strategyShowCmd = &cobra.Command{
	Use:   "show KIND",
	Short: "Show the strategy of KIND",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := strategy.ParseKind(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			s, err := c.GetStrategy(ctx, kind)
			if client.IsNotFound(err) {
				fmt.Printf("No %s strategy exists\n", kind)
				return nil
			}
			if err != nil {
				return err
			}
			return printStrategy(cmd, s)
		})
	},
}

var strategyApplyCmd = &cobra.Command{
	Use:   "apply KIND",
	Short: "Apply the strategy, optionally one stage at a time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := strategy.ParseKind(args[0])
		if err != nil {
			return err
		}
		var stage *int
		if cmd.Flags().Changed("stage") {
			n, _ := cmd.Flags().GetInt("stage")
			stage = &n
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			s, err := c.ApplyStrategy(ctx, kind, stage)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Strategy %s is %s\n", s.UUID, s.State)
			return nil
		})
	},
}

var strategyAbortCmd = &cobra.Command{
	Use:   "abort KIND",
	Short: "Abort the strategy and undo what it applied",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := strategy.ParseKind(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			s, err := c.AbortStrategy(ctx, kind)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Strategy %s is %s\n", s.UUID, s.State)
			return nil
		})
	},
}

var strategyDeleteCmd = &cobra.Command{
	Use:   "delete KIND",
	Short: "Delete the strategy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := strategy.ParseKind(args[0])
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.DeleteStrategy(ctx, kind, force); err != nil {
				return err
			}
			fmt.Printf("✓ %s strategy deleted\n", kind)
			return nil
		})
	},
}

var strategyHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived strategies",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			history, err := c.History(ctx)
			if err != nil {
				return err
			}
			if len(history) == 0 {
				fmt.Println("No archived strategies")
				return nil
			}
			fmt.Printf("%-36s  %-18s  %-16s  %4s  %s\n", "UUID", "KIND", "STATE", "DONE", "REASON")
			for _, sum := range history {
				fmt.Printf("%-36s  %-18s  %-16s  %3d%%  %s\n",
					sum.UUID, sum.Kind, sum.State, sum.CompletionPercentage, sum.Reason)
			}
			return nil
		})
	},
}

func init() {
	strategyCmd.PersistentFlags().String("engine", "127.0.0.1:4545", "Engine API address")
	strategyCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Request timeout")

	strategyCreateCmd.Flags().StringP("file", "f", "", "YAML intent file")
	strategyCreateCmd.Flags().String("release", "", "Release to deploy (sw-deploy)")
	strategyCreateCmd.Flags().String("to-version", "", "Target kubernetes version (kube-upgrade)")
	strategyCreateCmd.Flags().String("worker-apply-type", "", "serial, parallel or ignore")
	strategyCreateCmd.Flags().Int("max-parallel-worker-hosts", 0, "Worker hosts per stage when parallel")
	strategyCreateCmd.Flags().Bool("json", false, "Print the strategy as JSON")
	strategyShowCmd.Flags().Bool("details", false, "Show every stage and step")
	strategyShowCmd.Flags().Bool("json", false, "Print the strategy as JSON")
	strategyApplyCmd.Flags().Int("stage", 0, "Stop after this stage index")
	strategyDeleteCmd.Flags().Bool("force", false, "Delete a strategy that is still running")

	strategyCmd.AddCommand(strategyCreateCmd)
	strategyCmd.AddCommand(strategyShowCmd)
	strategyCmd.AddCommand(strategyApplyCmd)
	strategyCmd.AddCommand(strategyAbortCmd)
	strategyCmd.AddCommand(strategyDeleteCmd)
	strategyCmd.AddCommand(strategyHistoryCmd)
}

func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	addr, _ := cmd.Flags().GetString("engine")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	c, err := client.NewClient(addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, c)
}

// readIntent loads the intent file, then applies flag overrides
func readIntent(cmd *cobra.Command) (strategy.Intent, error) {
	var intent strategy.Intent
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return intent, fmt.Errorf("failed to read intent file: %w", err)
		}
		if err := yaml.Unmarshal(data, &intent); err != nil {
			return intent, fmt.Errorf("failed to parse intent file: %w", err)
		}
	}
	if v, _ := cmd.Flags().GetString("release"); v != "" {
		intent.Release = v
	}
	if v, _ := cmd.Flags().GetString("to-version"); v != "" {
		intent.ToVersion = v
	}
	if v, _ := cmd.Flags().GetString("worker-apply-type"); v != "" {
		intent.WorkerApplyType = strategy.ApplyType(v)
	}
	if v, _ := cmd.Flags().GetInt("max-parallel-worker-hosts"); v != 0 {
		intent.MaxParallelWorkerHosts = v
	}
	return intent, nil
}

func printStrategy(cmd *cobra.Command, s *strategy.Strategy) error {
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	sum := s.Summarize()
	fmt.Printf("Strategy:   %s\n", s.UUID)
	fmt.Printf("Kind:       %s\n", s.Kind)
	fmt.Printf("State:      %s\n", s.State)
	fmt.Printf("Phase:      %s (%d%%)\n", sum.Phase, sum.CompletionPercentage)
	if sum.Stage != "" {
		fmt.Printf("Stage:      %s\n", sum.Stage)
		fmt.Printf("Step:       %s\n", sum.Step)
	}
	if sum.Reason != "" {
		fmt.Printf("Reason:     %s\n", sum.Reason)
	}

	details, _ := cmd.Flags().GetBool("details")
	if !details {
		return nil
	}
	for _, phase := range []*strategy.Phase{s.BuildPhase, s.ApplyPhase, s.AbortPhase} {
		if phase == nil || phase.IsEmpty() {
			continue
		}
		fmt.Printf("\n%s phase: %s %d%%\n", phase.Name, phase.Result, phase.CompletionPercentage)
		for i, stage := range phase.Stages {
			fmt.Printf("  [%d] %s  %s\n", i, stage.Name, stage.Result)
			for _, step := range stage.Steps {
				b := step.Base()
				line := fmt.Sprintf("      %-32s %-8s", b.Name, b.Result)
				if len(b.EntityNames) > 0 {
					line += " " + strings.Join(b.EntityNames, ",")
				}
				if b.Reason != "" {
					line += "  (" + b.Reason + ")"
				}
				fmt.Println(line)
			}
		}
	}
	return nil
}
