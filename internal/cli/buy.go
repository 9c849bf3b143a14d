package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"autoexit-trader/internal/models"
	"autoexit-trader/internal/trading"
	"autoexit-trader/pkg/utils"
)

func newBuyCmd(app *App) *cobra.Command {
	var (
		owners   []string
		qty      int
		when     string
		sl       string
		trail    float64
		sell     string
		exchange string
		product  string
		token    string
	)

	cmd := &cobra.Command{
		Use:   "buy <symbol>",
		Short: "Buy for one or more owners and monitor the positions",
		Long: `Fetch the last price for each owner, place a limit buy at that price when
the entry condition holds and start monitoring the resulting position.

Entry condition (--when):
  fixed:<price>                      buy when LTP >= price
  percentage:<pct>@<previous close>  buy when LTP >= close * (1 + pct/100)

Owners are handled independently; one owner's failure does not stop the others.`,
		Example: `  trader buy INFY --owners alice,bob --qty 10 --when fixed:1490 --sl percentage:25
  trader buy TCS --owners alice --qty 5 --when percentage:1.5@3980 --sl points:40 --sell fixed:3900`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			cond, err := parseBuyCondition(when)
			if err != nil {
				return err
			}
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

			if len(owners) == 0 {
				owners = engine.Credentials.Owners()
			}

			results, err := engine.Entry.Buy(cmd.Context(), trading.EntryRequest{
				Owners:          owners,
				Symbol:          args[0],
				Exchange:        models.Exchange(strings.ToUpper(exchange)),
				InstrumentToken: token,
				Product:         models.ProductType(strings.ToUpper(product)),
				Quantity:        qty,
				Condition:       cond,
				StopLoss:        stopLoss,
				Sell:            sellSpec,
			})
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(entryViews(results))
			}
			renderEntries(output, results)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&owners, "owners", nil, "owners to buy for (default: all configured)")
	cmd.Flags().IntVar(&qty, "qty", 0, "quantity per owner")
	cmd.Flags().StringVar(&when, "when", "", "entry condition (required)")
	cmd.Flags().StringVar(&sl, "sl", "", "stop-loss condition (required)")
	cmd.Flags().Float64Var(&trail, "trail", 0, "re-anchor margin in points")
	cmd.Flags().StringVar(&sell, "sell", "", "independent sell condition")
	cmd.Flags().StringVar(&exchange, "exchange", "", "exchange (default NSE)")
	cmd.Flags().StringVar(&product, "product", "", "product type (default MIS)")
	cmd.Flags().StringVar(&token, "token", "", "broker instrument token")
	cmd.MarkFlagRequired("qty")
	cmd.MarkFlagRequired("when")
	cmd.MarkFlagRequired("sl")
	return cmd
}

type entryView struct {
	Owner      string  `json:"owner"`
	LTP        float64 `json:"ltp"`
	Skipped    bool    `json:"skipped"`
	OrderID    string  `json:"order_id,omitempty"`
	PositionID string  `json:"position_id,omitempty"`
	Error      string  `json:"error,omitempty"`
}

func entryViews(results []trading.EntryResult) []entryView {
	views := make([]entryView, 0, len(results))
	for _, r := range results {
		v := entryView{
			Owner:      r.Owner,
			LTP:        r.LTP,
			Skipped:    r.Skipped,
			OrderID:    r.OrderID,
			PositionID: r.PositionID,
		}
		if r.Err != nil {
			v.Error = r.Err.Error()
		}
		views = append(views, v)
	}
	return views
}

func renderEntries(output *Output, results []trading.EntryResult) {
	table := NewTable(output, "OWNER", "LTP", "RESULT", "ORDER", "POSITION")
	for _, r := range results {
		var outcome string
		switch {
		case r.Err != nil:
			outcome = output.red.Sprint("failed: " + r.Err.Error())
		case r.Skipped:
			outcome = output.yellow.Sprint("condition not met")
		default:
			outcome = output.green.Sprint("bought")
		}
		ltp := "-"
		if r.LTP > 0 {
			ltp = utils.FormatPrice(r.LTP)
		}
		table.AddRow(r.Owner, ltp, outcome, r.OrderID, r.PositionID)
	}
	table.Render()
}
