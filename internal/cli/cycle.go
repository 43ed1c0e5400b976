package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/buildtall-systems/dropship/internal/orchestrator"
	"github.com/buildtall-systems/dropship/internal/settlement"
)

var cycleFlags struct {
	keyword      string
	skipPostSale bool
	maxCapital   string
	minNet       string
	userID       string
	asJSON       bool
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one cycle and print its result",
	RunE:  runCycle,
}

func init() {
	f := cycleCmd.Flags()
	f.StringVarP(&cycleFlags.keyword, "keyword", "k", "", "product keyword (required)")
	f.BoolVar(&cycleFlags.skipPostSale, "skip-post-sale", false, "stop after publishing")
	f.StringVar(&cycleFlags.maxCapital, "max-capital", "", "largest landed cost to accept, in the settlement currency")
	f.StringVar(&cycleFlags.minNet, "min-net-profit", "", "smallest projected net profit to accept")
	f.StringVar(&cycleFlags.userID, "user", "", "credentials user for outbound calls")
	f.BoolVar(&cycleFlags.asJSON, "json", false, "print the full result as JSON")
	_ = cycleCmd.MarkFlagRequired("keyword")
	rootCmd.AddCommand(cycleCmd)
}

func runCycle(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	criteria := orchestrator.Criteria{
		Keyword:      cycleFlags.keyword,
		SkipPostSale: cycleFlags.skipPostSale,
		UserID:       cycleFlags.userID,
	}
	if criteria.MaxCapital, err = parseAmount(cycleFlags.maxCapital, cfg.Settlement.Currency); err != nil {
		return err
	}
	if criteria.MinNetProfit, err = parseAmount(cycleFlags.minNet, cfg.Settlement.Currency); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if err := a.orchestrator.Validate(criteria); err != nil {
		return err
	}
	res := a.orchestrator.RunCycle(ctx, criteria)
	if cycleFlags.asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printCycle(cmd.OutOrStdout(), res)
	return nil
}

func parseAmount(s, currency string) (settlement.Money, error) {
	if s == "" {
		return settlement.Money{}, nil
	}
	return settlement.Parse(s, currency)
}

func printCycle(w io.Writer, res orchestrator.CycleResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "cycle\t%s\n", res.ID)
	fmt.Fprintf(tw, "keyword\t%s\n", res.Keyword)
	fmt.Fprintf(tw, "success\t%t\n", res.Success)
	if res.ProductID != "" {
		fmt.Fprintf(tw, "product\t%s\n", res.ProductID)
	}
	if res.OrderID != "" {
		fmt.Fprintf(tw, "order\t%s\n", res.OrderID)
	}
	if res.Pricing != nil {
		fmt.Fprintf(tw, "price\t%s (cost %s)\n", res.Pricing.SuggestedPrice, res.Pricing.TotalCost)
	}
	if res.Settlement != nil {
		fmt.Fprintf(tw, "net profit\t%s\n", res.Settlement.NetUserProfit)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "STAGE\tRESULT\tREAL\tMS\tERROR")
	for _, sr := range res.Stages {
		result := "ok"
		switch {
		case sr.Skipped:
			result = "skipped"
		case !sr.OK:
			result = "failed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%s\n", sr.Stage, result, sr.Real, sr.DurationMS, sr.Error)
	}
	_ = tw.Flush()
}
