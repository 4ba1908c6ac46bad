package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"switchboard/internal/adapter/rolecard"
	"switchboard/internal/domain"
	"switchboard/internal/infra/logger"
)

var cardsDir string

var cardsCmd = &cobra.Command{
	Use:   "cards",
	Short: "Inspect role cards",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

var cardsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loadable role cards",
	Args:  cobra.NoArgs,
	RunE:  runCardsList,
}

var cardsValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate every role card document in the directory",
	Args:  cobra.NoArgs,
	RunE:  runCardsValidate,
}

func init() {
	cardsCmd.PersistentFlags().StringVar(&cardsDir, "dir", "", "role card directory (overrides spawn.role_card_dir)")
	cardsCmd.AddCommand(cardsListCmd)
	cardsCmd.AddCommand(cardsValidateCmd)
}

func resolveCardsDir() (string, error) {
	if cardsDir != "" {
		return cardsDir, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Spawn.RoleCardDir, nil
}

// loadCards returns the valid cards and the per-document errors separately.
func loadCards(ctx context.Context, dir string) ([]domain.RoleCard, []error, error) {
	store := rolecard.NewStore(dir, logger.Discard())
	cards, err := store.Load(ctx)
	if err == nil {
		return cards, nil, nil
	}
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		return cards, joined.Unwrap(), nil
	}
	// Anything that is not a joined per-file error means the directory itself
	// could not be read.
	return nil, nil, err
}

func runCardsList(cmd *cobra.Command, _ []string) error {
	dir, err := resolveCardsDir()
	if err != nil {
		return err
	}
	cards, problems, err := loadCards(cmd.Context(), dir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLE\tROLE TYPE\tPMO OFFICE\tGATES\tFORBIDDEN")
	for _, c := range cards {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", c.Handle, c.RoleType, c.PMOOffice, gateSummary(c), len(c.Capabilities.ForbiddenActions))
	}
	tw.Flush()

	if len(problems) > 0 {
		fmt.Fprintf(out, "\n%s %d document(s) skipped; run 'switchboard cards validate' for details\n", warnMark("!"), len(problems))
	}
	return nil
}

func runCardsValidate(cmd *cobra.Command, _ []string) error {
	dir, err := resolveCardsDir()
	if err != nil {
		return err
	}
	cards, problems, err := loadCards(cmd.Context(), dir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, c := range cards {
		fmt.Fprintf(out, "  %s %s %s\n", okMark("[PASS]"), c.Handle, dim(c.Source))
	}
	for _, p := range problems {
		fmt.Fprintf(out, "  %s %v\n", failMark("[FAIL]"), p)
	}
	fmt.Fprintf(out, "\n%d valid, %d invalid\n", len(cards), len(problems))

	if len(problems) > 0 {
		return fmt.Errorf("%d role card document(s) invalid", len(problems))
	}
	return nil
}

func gateSummary(c domain.RoleCard) string {
	var gates []string
	if b := c.Gates.LUCBudget; b != nil && b.Required {
		gates = append(gates, fmt.Sprintf("budget<=$%.2f", b.MaxEstimatedCostUSD))
	}
	if s := c.Gates.Security; s != nil && s.ScopeLeastPrivilegeRequired {
		gates = append(gates, "least-privilege")
	}
	if len(gates) == 0 {
		return "-"
	}
	return strings.Join(gates, ",")
}
