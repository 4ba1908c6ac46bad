package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"switchboard/internal/controlplane"
	"switchboard/internal/domain"
	"switchboard/internal/infra/config"
	"switchboard/internal/infra/logger"
	"switchboard/internal/usecase/routing"
)

var (
	routeCoordinator string
	routeRequestedBy string
	routeClassify    bool
	routeJSON        bool
)

var routeCmd = &cobra.Command{
	Use:   "route <text>",
	Short: "Route one task against the coordinator's current directory",
	Long: "Fetches the coordinator snapshot once, classifies the task and delegates it\n" +
		"with ranked fallback. --classify-only stops after classification.",
	Args: cobra.MinimumNArgs(1),
	RunE: runRoute,
}

func init() {
	routeCmd.Flags().StringVar(&routeCoordinator, "coordinator", "", "coordinator base URL (overrides registry.coordinator_url)")
	routeCmd.Flags().StringVar(&routeRequestedBy, "requested-by", "cli", "requester recorded in the delegation")
	routeCmd.Flags().BoolVar(&routeClassify, "classify-only", false, "print the classified intent and exit")
	routeCmd.Flags().BoolVar(&routeJSON, "json", false, "print the raw result as JSON")
}

func runRoute(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	out := cmd.OutOrStdout()

	if routeClassify {
		intent := routing.NewPatternClassifier(nil).Classify(text)
		if routeJSON {
			return writeJSON(out, intent)
		}
		printIntent(out, intent)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if routeCoordinator != "" {
		cfg.Registry.CoordinatorURL = routeCoordinator
	}
	if cfg.Registry.CoordinatorURL == "" && len(cfg.Registry.Agents) == 0 {
		return fmt.Errorf("no coordinator configured: pass --coordinator or set registry.coordinator_url")
	}

	res, err := routeOnce(cmd.Context(), cfg, domain.TaskRequest{Text: text, RequestedBy: routeRequestedBy})
	if err != nil {
		return err
	}
	if routeJSON {
		return writeJSON(out, res)
	}
	printResult(out, res)
	if res.Status == domain.RoutingFailed {
		return fmt.Errorf("routing failed: %s", res.Error)
	}
	return nil
}

// routeOnce builds a control plane without gateway or scheduler, refreshes
// the directory and routes a single task.
func routeOnce(ctx context.Context, cfg *config.Config, req domain.TaskRequest) (*domain.RoutingResult, error) {
	cfg.Gateway.Enabled = false
	cfg.Scheduler.Enabled = false

	log := logger.Discard()
	cp, err := controlplane.New(ctx, cfg, log, controlplane.Overrides{})
	if err != nil {
		return nil, err
	}
	defer cp.Close(context.Background())

	if err := cp.Registry.RefreshFromCoordinator(ctx); err != nil {
		return nil, fmt.Errorf("directory refresh: %w", err)
	}
	return cp.Router.Route(ctx, req), nil
}

func printIntent(w io.Writer, intent domain.ClassifiedIntent) {
	fmt.Fprintf(w, "category:   %s\n", color.CyanString(intent.Category))
	fmt.Fprintf(w, "confidence: %.2f\n", intent.Confidence)
	fmt.Fprintf(w, "keywords:   %s\n", strings.Join(intent.Keywords, ", "))
}

func printResult(w io.Writer, res *domain.RoutingResult) {
	var status string
	switch res.Status {
	case domain.RoutingDelegated:
		status = okMark(string(res.Status))
	case domain.RoutingFallback, domain.RoutingSelfHandled:
		status = warnMark(string(res.Status))
	default:
		status = failMark(string(res.Status))
	}
	fmt.Fprintf(w, "task %s %s", res.TaskID, status)
	if res.DelegatedTo != "" {
		fmt.Fprintf(w, " -> %s", res.DelegatedTo)
	}
	fmt.Fprintln(w)
	printIntent(w, res.Intent)
	if res.Error != "" {
		fmt.Fprintf(w, "error:      %s\n", failMark(res.Error))
	}
	fmt.Fprintln(w, "decision log:")
	for i, line := range res.DecisionLog {
		fmt.Fprintf(w, "  %s %s\n", dim(fmt.Sprintf("%2d.", i+1)), line)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
