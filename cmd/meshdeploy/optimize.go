package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"meshdeploy/pkg/capability"
)

func optimizeCmd() *cobra.Command {
	var compute, memory float64
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Assess this host and show the capability optimization plan",
		Long: `Measure local capabilities, derive utilization feedback and print the
resulting optimization plan. --compute-utilization and --memory-usage
replace the measured feedback.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()
			ctx, stop := signalContext()
			defer stop()

			assessor := capability.NewAssessor(nil, logger.Named("capability"))
			if _, err := assessor.Assess(ctx); err != nil {
				return err
			}

			var (
				plan capability.OptimizationPlan
				err  error
			)
			if cmd.Flags().Changed("compute-utilization") || cmd.Flags().Changed("memory-usage") {
				plan = assessor.Adjust(capability.Feedback{ComputeUtilization: compute, MemoryUsage: memory})
			} else if plan, err = assessor.Optimize(ctx); err != nil {
				return err
			}

			if outputJSON {
				return printJSON(plan)
			}
			renderPlan(plan)
			return nil
		},
	}
	cmd.Flags().Float64Var(&compute, "compute-utilization", 50, "compute utilization percent")
	cmd.Flags().Float64Var(&memory, "memory-usage", 50, "memory usage percent")
	return cmd
}

func renderPlan(plan capability.OptimizationPlan) {
	lines := []string{field("Profile", formatProfile(plan.Profile), valueStyle)}
	if len(plan.Actions) == 0 {
		lines = append(lines, mutedStyle.Render("No adjustment needed."))
	}
	for _, a := range plan.Actions {
		lines = append(lines, fmt.Sprintf("%s %s", warningValueStyle.Render(a.Type), mutedStyle.Render(a.Reason)))
	}
	fmt.Println(createPanel("OPTIMIZATION", "⚙", strings.Join(lines, "\n"), 0))
}
