package cli

import (
	"time"

	"github.com/spf13/cobra"
)

func newLoginCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "login <owner>",
		Short: "Verify an owner's broker login",
		Long: `Log in an owner using the credentials in the users file.

A fresh one-time code is generated for the attempt. Use this to check a new
owner's setup before opening positions; the engine logs in on its own when run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			engine, err := NewEngine(cmd.Context(), app.Config, app.Logger, engineOptions{})
			if err != nil {
				return err
			}
			defer engine.Close()

			sess, err := engine.Sessions.Login(cmd.Context(), args[0])
			if err != nil {
				output.Error("Login failed for %s: %v", args[0], err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"owner":       sess.Owner,
					"broker":      sess.BrokerKind,
					"user_id":     sess.UserID,
					"refreshable": sess.RefreshToken != "",
					"created_at":  sess.CreatedAt.Format(time.RFC3339),
				})
			}
			output.Success("Logged in %s", sess.Owner)
			output.Printf("  Broker:      %s\n", sess.BrokerKind)
			output.Printf("  User ID:     %s\n", sess.UserID)
			output.Printf("  Refreshable: %v\n", sess.RefreshToken != "")
			return nil
		},
	}
}
