package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Alexander-D-Karpov/parley/internal/api"
	"github.com/Alexander-D-Karpov/parley/internal/messaging"
	"github.com/Alexander-D-Karpov/parley/internal/version"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const appName = "parley-cli"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Parley command line client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version.Full()
	cmd.SetVersionTemplate(appName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("addr", envOr("PARLEY_ADDR", "localhost:9090"), "parley-api gRPC address")
	cmd.PersistentFlags().Duration("timeout", 30*time.Second, "request timeout")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		newSendCmd(),
		newHistoryCmd(),
		newRetrieveCmd(),
		newSuggestCmd(),
		newVectorizeCmd(),
		newTailCmd(),
		newClearEmbeddingsCmd(),
	)
	return cmd
}

func dial(cmd *cobra.Command) (*api.Client, func(), error) {
	addr, _ := cmd.Flags().GetString("addr")
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return api.NewClient(conn), func() { _ = conn.Close() }, nil
}

// addConversationFlags registers --workspace, --channel and --dm.
func addConversationFlags(cmd *cobra.Command) {
	cmd.Flags().String("workspace", "", "workspace id")
	cmd.Flags().String("channel", "", "channel id")
	cmd.Flags().String("dm", "", "direct conversation as userA,userB")
}

func conversationFlag(cmd *cobra.Command) (messaging.Locator, error) {
	workspace, _ := cmd.Flags().GetString("workspace")
	channel, _ := cmd.Flags().GetString("channel")
	dm, _ := cmd.Flags().GetString("dm")

	switch {
	case channel != "" && dm != "":
		return messaging.Locator{}, fmt.Errorf("use either --channel or --dm")
	case channel != "":
		return messaging.ChannelLocator(workspace, channel), nil
	case dm != "":
		parts := strings.Split(dm, ",")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return messaging.Locator{}, fmt.Errorf("--dm must be two user ids separated by a comma")
		}
		return messaging.DirectLocator(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])), nil
	default:
		return messaging.Locator{}, fmt.Errorf("one of --channel or --dm is required")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
