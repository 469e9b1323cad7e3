// Command toolgateway runs the tool gateway and administers its accounts and
// permissions.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ggoodman/tool-gateway/config"
	"github.com/ggoodman/tool-gateway/internal/logctx"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "toolgateway:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "toolgateway",
		Short:         "Tool gateway exposing an accounting provider to LLM hosts over MCP",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Run the gateway (configuration comes from the environment)
  GATEWAY_PUBLIC_URL=https://gw.example.com GATEWAY_SIGNING_SECRET=... toolgateway serve

  # Create the first account and grant it approve_update everywhere
  toolgateway account create alice@example.com --name Alice
  toolgateway permission set <user-id> 2`,
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newAccountCommand())
	cmd.AddCommand(newInviteCommand())
	cmd.AddCommand(newPermissionCommand())
	return cmd
}

// newLogger builds the process logger. Records carry request, session and
// operation attributes from the context.
func newLogger(w io.Writer, levelName, format string) (*slog.Logger, error) {
	level, err := config.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch format {
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}
