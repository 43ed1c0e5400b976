package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Inspect and drive fulfillment orders",
}

var orderShowCmd = &cobra.Command{
	Use:   "show <order-id>",
	Short: "Print an order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) (any, error) {
			return a.fulfillment.Get(cmd.Context(), args[0])
		})
	},
}

var orderPurchaseCmd = &cobra.Command{
	Use:   "purchase <order-id>",
	Short: "Place (or return the existing) supplier order for a paid order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) (any, error) {
			res, err := a.fulfillment.Purchase(cmd.Context(), args[0])
			if err != nil {
				return nil, err
			}
			return map[string]any{"order": res.Order, "supplierOrderId": res.SupplierOrderID, "cached": res.Cached}, nil
		})
	},
}

func init() {
	orderCmd.AddCommand(orderShowCmd, orderPurchaseCmd)
	rootCmd.AddCommand(orderCmd)
}

// withApp wires the service graph, runs fn and prints its result as JSON.
func withApp(cmd *cobra.Command, fn func(*app) (any, error)) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	v, err := fn(a)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
