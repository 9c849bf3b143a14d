package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"autoexit-trader/pkg/utils"
)

const paperFeedInterval = 2 * time.Second

func newRunCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the monitoring engine",
		Long: `Start the monitoring engine in the foreground.

The engine logs in every owner with open positions, subscribes to their
instruments and exits positions as conditions trigger. Positions opened from
other processes sharing the store are picked up on the next reconcile.
Stop with Ctrl+C; in-flight exits are allowed to finish.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			engine, err := NewEngine(ctx, app.Config, app.Logger, engineOptions{dispatch: true})
			if err != nil {
				return err
			}
			defer engine.Close()

			output := NewOutput(cmd)
			if !output.IsJSON() {
				output.Info("Engine starting (%s mode, %s store)", app.Config.Trading.Mode, app.Config.Storage.Driver)
				marketNotice(output, time.Now())
			}
			return runEngine(ctx, engine)
		},
	}
	return cmd
}

// marketNotice warns when no ticks are expected yet or MIS positions are
// about to be squared off by the broker.
func marketNotice(output *Output, now time.Time) {
	if !utils.IsMarketOpen(now) {
		next := utils.NextMarketOpen(now)
		output.Warning("Market closed; ticks resume %s", next.Format("Mon 02 Jan 15:04 MST"))
		return
	}
	if utils.MarketSessionAt(now) == utils.SessionSquareOff {
		output.Warning("MIS square-off window: the broker may close intraday positions")
	}
}

// runEngine runs the monitor, the metrics endpoint and, in paper mode, the
// quote feed until ctx is cancelled.
func runEngine(ctx context.Context, e *Engine) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.Monitor.Run(ctx)
	})
	if e.Config.Metrics.Enabled {
		g.Go(func() error {
			return e.Metrics.Serve(ctx, e.Config.Metrics.Addr, e.Logger)
		})
	}
	if e.Paper != nil {
		g.Go(func() error {
			return e.Paper.Feed(ctx, paperFeedInterval)
		})
	}

	return g.Wait()
}
