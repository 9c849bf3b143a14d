package cli

import (
	"time"

	"github.com/spf13/cobra"

	"autoexit-trader/internal/models"
	"autoexit-trader/internal/trading"
	"autoexit-trader/pkg/utils"
)

// positionView is the JSON shape of a position.
type positionView struct {
	ID          string  `json:"id"`
	Owner       string  `json:"owner"`
	Symbol      string  `json:"symbol"`
	Exchange    string  `json:"exchange"`
	Product     string  `json:"product"`
	Quantity    int     `json:"quantity"`
	EntryPrice  float64 `json:"entry_price"`
	StopLoss    string  `json:"stop_loss"`
	Sell        string  `json:"sell"`
	Highest     float64 `json:"highest_price"`
	Base        float64 `json:"base_price"`
	StopTrigger float64 `json:"stop_trigger"`
	Status      string  `json:"status"`
	ExitPrice   float64 `json:"exit_price,omitempty"`
	ExitReason  string  `json:"exit_reason,omitempty"`
	ExitOrderID string  `json:"exit_order_id,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func newPositionView(p *models.Position) positionView {
	return positionView{
		ID:          p.ID,
		Owner:       p.Owner,
		Symbol:      p.Symbol,
		Exchange:    string(p.Exchange),
		Product:     string(p.Product),
		Quantity:    p.Quantity,
		EntryPrice:  p.EntryPrice,
		StopLoss:    describeStopLoss(p.StopLoss),
		Sell:        describeSell(p.Sell),
		Highest:     p.HighestPrice,
		Base:        p.BasePrice,
		StopTrigger: trading.StopLossTrigger(p.StopLoss, p.EntryPrice, p.HighestPrice, p.BasePrice),
		Status:      string(p.Status),
		ExitPrice:   p.ExitPrice,
		ExitReason:  p.ExitReason,
		ExitOrderID: p.ExitOrderID,
		CreatedAt:   p.CreatedAt.Format(time.RFC3339),
	}
}

func newPositionsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "positions",
		Aliases: []string{"pos"},
		Short:   "Manage monitored positions",
		Long: `Open, inspect, update and close monitored positions.

Condition syntax:
  --sl   fixed:<points below entry> | points:<points below high> | percentage:<% of profit given back>
  --sell fixed:<price> | percentage:<% below close>@<reference close>`,
	}

	cmd.AddCommand(newPositionsOpenCmd(app))
	cmd.AddCommand(newPositionsListCmd(app))
	cmd.AddCommand(newPositionsShowCmd(app))
	cmd.AddCommand(newPositionsUpdateCmd(app))
	cmd.AddCommand(newPositionsCloseCmd(app))
	cmd.AddCommand(newPositionsExitCmd(app))
	return cmd
}

func newPositionsOpenCmd(app *App) *cobra.Command {
	var (
		qty      int
		entry    float64
		sl       string
		trail    float64
		sell     string
		exchange string
		product  string
		token    string
	)

	cmd := &cobra.Command{
		Use:   "open <owner> <symbol>",
		Short: "Start monitoring an existing position",
		Example: `  trader positions open alice INFY --qty 10 --entry 1500 --sl percentage:25
  trader positions open bob NIFTY24DEC24000CE --exchange NFO --product NRML --qty 50 --entry 120 --sl points:15 --trail 5`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			stopLoss, err := parseStopLoss(sl, trail)
			if err != nil {
				return err
			}
			sellSpec, err := parseSell(sell)
			if err != nil {
				return err
			}

			engine, err := NewEngine(cmd.Context(), app.Config, app.Logger, engineOptions{})
			if err != nil {
				return err
			}
			defer engine.Close()

			id, err := engine.Monitor.OpenPosition(cmd.Context(), trading.OpenRequest{
				Owner:           args[0],
				Symbol:          args[1],
				Exchange:        models.Exchange(exchange),
				InstrumentToken: token,
				Product:         models.ProductType(product),
				Quantity:        qty,
				EntryPrice:      entry,
				StopLoss:        stopLoss,
				Sell:            sellSpec,
			})
			if err != nil {
				return err
			}

			p, err := engine.Monitor.GetPosition(cmd.Context(), id)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(newPositionView(p))
			}
			output.Success("Monitoring %s %s x%d for %s", p.Exchange, p.Symbol, p.Quantity, p.Owner)
			printPosition(output, p)
			return nil
		},
	}

	cmd.Flags().IntVar(&qty, "qty", 0, "quantity held")
	cmd.Flags().Float64Var(&entry, "entry", 0, "entry price")
	cmd.Flags().StringVar(&sl, "sl", "", "stop-loss condition (required)")
	cmd.Flags().Float64Var(&trail, "trail", 0, "re-anchor the trailing base after a pullback of this many points")
	cmd.Flags().StringVar(&sell, "sell", "", "independent sell condition")
	cmd.Flags().StringVar(&exchange, "exchange", "", "exchange (default from config)")
	cmd.Flags().StringVar(&product, "product", "", "product type (default from config)")
	cmd.Flags().StringVar(&token, "token", "", "broker instrument token")
	cmd.MarkFlagRequired("qty")
	cmd.MarkFlagRequired("entry")
	cmd.MarkFlagRequired("sl")
	return cmd
}

func newPositionsListCmd(app *App) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			engine, err := NewEngine(cmd.Context(), app.Config, app.Logger, engineOptions{})
			if err != nil {
				return err
			}
			defer engine.Close()

			positions, err := engine.Monitor.ListActivePositions(cmd.Context(), owner)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				views := make([]positionView, 0, len(positions))
				for i := range positions {
					views = append(views, newPositionView(&positions[i]))
				}
				return output.JSON(views)
			}

			if len(positions) == 0 {
				output.Dim("No open positions")
				return nil
			}
			renderPositions(output, positions)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "only this owner's positions")
	return cmd
}

func renderPositions(output *Output, positions []models.Position) {
	table := NewTable(output, "ID", "OWNER", "SYMBOL", "QTY", "ENTRY", "HIGH", "STOP", "SELL", "STATUS")
	for i := range positions {
		p := &positions[i]
		table.AddRow(
			p.ID,
			p.Owner,
			p.Instrument().Key(),
			utils.FormatQuantity(int64(p.Quantity)),
			utils.FormatPrice(p.EntryPrice),
			utils.FormatPrice(p.HighestPrice),
			utils.FormatPrice(trading.StopLossTrigger(p.StopLoss, p.EntryPrice, p.HighestPrice, p.BasePrice)),
			describeSell(p.Sell),
			output.Status(p.Status),
		)
	}
	table.Render()
}

func newPositionsShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a position in any state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			engine, err := NewEngine(cmd.Context(), app.Config, app.Logger, engineOptions{})
			if err != nil {
				return err
			}
			defer engine.Close()

			p, err := engine.Monitor.GetPosition(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(newPositionView(p))
			}
			printPosition(output, p)
			return nil
		},
	}
}

func printPosition(output *Output, p *models.Position) {
	output.Printf("  ID:          %s\n", p.ID)
	output.Printf("  Owner:       %s\n", p.Owner)
	output.Printf("  Instrument:  %s:%s (%s)\n", p.Exchange, p.Symbol, p.Product)
	output.Printf("  Quantity:    %d\n", p.Quantity)
	output.Printf("  Entry:       %s\n", utils.FormatIndianCurrency(p.EntryPrice))
	output.Printf("  Stop-loss:   %s (trigger %s)\n", describeStopLoss(p.StopLoss),
		utils.FormatPrice(trading.StopLossTrigger(p.StopLoss, p.EntryPrice, p.HighestPrice, p.BasePrice)))
	output.Printf("  Sell:        %s\n", describeSell(p.Sell))
	output.Printf("  High / Base: %s / %s\n", utils.FormatPrice(p.HighestPrice), utils.FormatPrice(p.BasePrice))
	output.Printf("  Status:      %s\n", output.Status(p.Status))
	if p.Status == models.PositionClosed {
		if !p.ExitPriceKnown() {
			output.Printf("  Exit:        price unknown (%s, order %s)\n", p.ExitReason, p.ExitOrderID)
			return
		}
		pnl := (p.ExitPrice - p.EntryPrice) * float64(p.Quantity)
		output.Printf("  Exit:        %s (%s, order %s)\n", utils.FormatPrice(p.ExitPrice), p.ExitReason, p.ExitOrderID)
		output.Printf("  P&L:         %s (%s)\n", output.PnL(pnl), utils.FormatPercent((p.ExitPrice-p.EntryPrice)/p.EntryPrice*100))
	}
}

func newPositionsUpdateCmd(app *App) *cobra.Command {
	var (
		sl    string
		trail float64
		sell  string
	)

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace a position's exit conditions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			var stopLoss *models.StopLossSpec
			if sl != "" {
				spec, err := parseStopLoss(sl, trail)
				if err != nil {
					return err
				}
				stopLoss = &spec
			}
			sellSpec, err := parseSell(sell)
			if err != nil {
				return err
			}
			if stopLoss == nil && sellSpec == nil {
				output.Warning("Nothing to update; pass --sl and/or --sell")
				return nil
			}

			engine, err := NewEngine(cmd.Context(), app.Config, app.Logger, engineOptions{})
			if err != nil {
				return err
			}
			defer engine.Close()

			if err := engine.Monitor.UpdateConditions(cmd.Context(), args[0], stopLoss, sellSpec); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"id": args[0], "status": "updated"})
			}
			output.Success("Updated %s", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&sl, "sl", "", "new stop-loss condition")
	cmd.Flags().Float64Var(&trail, "trail", 0, "re-anchor margin for the new stop-loss")
	cmd.Flags().StringVar(&sell, "sell", "", "new sell condition")
	return cmd
}

func newPositionsCloseCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "close <id>",
		Short: "Stop monitoring a position without placing an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			engine, err := NewEngine(cmd.Context(), app.Config, app.Logger, engineOptions{})
			if err != nil {
				return err
			}
			defer engine.Close()

			if err := engine.Monitor.ClosePosition(cmd.Context(), args[0]); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"id": args[0], "status": string(models.PositionCancelled)})
			}
			output.Success("Stopped monitoring %s", args[0])
			return nil
		},
	}
}

func newPositionsExitCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "exit <id>",
		Short: "Exit a position now at market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			engine, err := NewEngine(cmd.Context(), app.Config, app.Logger, engineOptions{})
			if err != nil {
				return err
			}
			defer engine.Close()

			if err := engine.Monitor.ExitPosition(cmd.Context(), args[0]); err != nil {
				return err
			}
			p, err := engine.Monitor.GetPosition(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(newPositionView(p))
			}
			if p.ExitPriceKnown() {
				output.Success("Exited %s at %s", p.Symbol, utils.FormatPrice(p.ExitPrice))
			} else {
				output.Warning("Exited %s; the broker has not reported a fill price", p.Symbol)
			}
			printPosition(output, p)
			return nil
		},
	}
}
