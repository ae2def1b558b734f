package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/Alexander-D-Karpov/parley/internal/app"
	"github.com/Alexander-D-Karpov/parley/internal/common/config"
	"github.com/Alexander-D-Karpov/parley/internal/common/logging"
	"github.com/Alexander-D-Karpov/parley/internal/events"
	"github.com/Alexander-D-Karpov/parley/internal/messagestore"
	"github.com/Alexander-D-Karpov/parley/internal/messaging"
	"github.com/Alexander-D-Karpov/parley/internal/realtime"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow a conversation live; with --as, lines read from stdin are sent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := conversationFlag(cmd)
			if err != nil {
				return err
			}
			as, _ := cmd.Flags().GetString("as")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.Init(cfg.Logging.Level, "console", "stderr", false, "")
			if err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			defer func() {
				_ = logger.Sync()
			}()

			cacheClient, err := app.OpenCache(cfg, logger)
			if err != nil {
				return err
			}
			if cacheClient == nil {
				return fmt.Errorf("tail needs Redis; set REDIS_ENABLED=true")
			}
			defer func() {
				_ = cacheClient.Close()
			}()

			broker := events.NewRedisBroker(cacheClient.Client(), cfg.Broker.ChannelPrefix, logger)
			defer func() {
				_ = broker.Close()
			}()

			client, closeConn, err := dial(cmd)
			if err != nil {
				return err
			}
			defer closeConn()

			var writer realtime.Writer
			if as != "" {
				writer = client.Remote()
			}
			ctrl := realtime.New(broker, client.Remote(), writer, messagestore.New(), logger)
			defer func() {
				_ = ctrl.Close()
			}()

			out := &lockedWriter{w: cmd.OutOrStdout()}
			ctrl.OnApplied(func(_ messaging.Locator, evt events.Event) {
				out.Println(describeEvent(evt))
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := ctrl.Subscribe(ctx, loc); err != nil {
				return err
			}
			for m := range ctrl.Store().ViewConversation(loc) {
				out.Println(formatMessage(m))
			}
			out.Println(fmt.Sprintf("-- following %s", loc.Topic()))

			if as != "" {
				go sendLines(ctx, cmd.InOrStdin(), ctrl, loc, as, out, logger)
			}

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().String("as", "", "send stdin lines as this user")
	addConversationFlags(cmd)
	return cmd
}

func sendLines(ctx context.Context, in io.Reader, ctrl *realtime.Controller, loc messaging.Locator, userID string, out *lockedWriter, logger *zap.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		draft := messaging.Message{
			Content:     text,
			Author:      messaging.Author{ID: userID},
			WorkspaceID: loc.WorkspaceID,
			ChannelID:   loc.ChannelID,
		}
		if loc.IsDirect() {
			draft.Participants = loc.Participants[:]
		}
		if _, err := ctrl.Send(ctx, draft); err != nil {
			logger.Warn("send failed", zap.Error(err))
			out.Println("!! send failed: " + err.Error())
		}
	}
}

func describeEvent(evt events.Event) string {
	switch p := evt.Payload.(type) {
	case events.MessageCreated:
		return formatMessage(p.Message)
	case events.MessageUpdated:
		return "~ " + formatMessage(p.Message)
	case events.MessageDeleted:
		return "- deleted " + p.MessageID
	case events.MemberProfileChanged:
		return fmt.Sprintf("* %s is now %s", p.AuthorID, p.DisplayName)
	default:
		return "? " + evt.ID
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Println(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, line)
}
