package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Alexander-D-Karpov/parley/internal/api"
	"github.com/Alexander-D-Karpov/parley/internal/messaging"
	"github.com/spf13/cobra"
)

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return context.WithTimeout(cmd.Context(), timeout)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatMessage(m messaging.Message) string {
	name := m.Author.Name
	if name == "" {
		name = m.Author.ID
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format(time.Kitchen), name, m.Content)
	if m.ReplyCount > 0 {
		line += fmt.Sprintf("  (%d replies)", m.ReplyCount)
	}
	if m.Edited() {
		line += "  (edited)"
	}
	for _, r := range m.Reactions {
		line += " " + r.Emoji
	}
	return line
}

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <content>",
		Short: "Send a message to a channel, direct conversation or thread",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			author, _ := cmd.Flags().GetString("author")
			parent, _ := cmd.Flags().GetString("parent")
			asJSON, _ := cmd.Flags().GetBool("json")

			draft := messaging.Message{
				Content: strings.Join(args, " "),
				Author:  messaging.Author{ID: author},
			}
			if parent != "" {
				draft.ParentID = parent
			} else {
				loc, err := conversationFlag(cmd)
				if err != nil {
					return err
				}
				draft.WorkspaceID = loc.WorkspaceID
				draft.ChannelID = loc.ChannelID
				if loc.IsDirect() {
					draft.Participants = loc.Participants[:]
				}
			}

			client, closeConn, err := dial(cmd)
			if err != nil {
				return err
			}
			defer closeConn()

			ctx, cancel := requestContext(cmd)
			defer cancel()

			resp, err := client.SendMessage(ctx, &api.SendMessageRequest{Message: draft})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), resp.Message)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", resp.Message.ID)
			return nil
		},
	}
	cmd.Flags().String("author", "", "sender user id")
	cmd.Flags().String("parent", "", "reply in the thread of this message")
	addConversationFlags(cmd)
	_ = cmd.MarkFlagRequired("author")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the latest messages of a conversation or thread",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			thread, _ := cmd.Flags().GetString("thread")
			asJSON, _ := cmd.Flags().GetBool("json")

			client, closeConn, err := dial(cmd)
			if err != nil {
				return err
			}
			defer closeConn()

			ctx, cancel := requestContext(cmd)
			defer cancel()

			remote := client.Remote()
			var msgs []messaging.Message
			if thread != "" {
				msgs, err = remote.FetchThreadReplies(ctx, thread)
			} else {
				loc, locErr := conversationFlag(cmd)
				if locErr != nil {
					return locErr
				}
				msgs, err = remote.FetchConversationMessages(ctx, loc)
			}
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), msgs)
			}
			for _, m := range msgs {
				fmt.Fprintln(cmd.OutOrStdout(), formatMessage(m))
			}
			return nil
		},
	}
	cmd.Flags().String("thread", "", "parent message id")
	addConversationFlags(cmd)
	return cmd
}

func newRetrieveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retrieve <prompt>",
		Short: "Find an author's past messages most similar to a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			author, _ := cmd.Flags().GetString("author")
			channel, _ := cmd.Flags().GetString("channel")
			workspace, _ := cmd.Flags().GetString("workspace")
			topK, _ := cmd.Flags().GetInt("top-k")
			asJSON, _ := cmd.Flags().GetBool("json")

			client, closeConn, err := dial(cmd)
			if err != nil {
				return err
			}
			defer closeConn()

			ctx, cancel := requestContext(cmd)
			defer cancel()

			resp, err := client.RetrieveContext(ctx, &api.RetrieveContextRequest{
				Prompt:      strings.Join(args, " "),
				AuthorID:    author,
				ChannelID:   channel,
				WorkspaceID: workspace,
				TopK:        topK,
			})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			if len(resp.Matches) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no matches")
				return nil
			}
			for _, m := range resp.Matches {
				fmt.Fprintf(cmd.OutOrStdout(), "%.3f  %s  %s\n", m.Score, m.ID, m.Metadata.Content)
			}
			return nil
		},
	}
	cmd.Flags().String("author", "", "author whose messages are searched")
	cmd.Flags().String("channel", "", "restrict to a channel")
	cmd.Flags().String("workspace", "", "restrict to a workspace")
	cmd.Flags().Int("top-k", 5, "number of matches")
	_ = cmd.MarkFlagRequired("author")
	return cmd
}

func newSuggestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suggest <incoming message>",
		Short: "Draft a reply in the user's own style",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			channel, _ := cmd.Flags().GetString("channel")
			workspace, _ := cmd.Flags().GetString("workspace")

			client, closeConn, err := dial(cmd)
			if err != nil {
				return err
			}
			defer closeConn()

			ctx, cancel := requestContext(cmd)
			defer cancel()

			resp, err := client.SuggestReply(ctx, &api.SuggestReplyRequest{
				UserID:      user,
				Incoming:    strings.Join(args, " "),
				ChannelID:   channel,
				WorkspaceID: workspace,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Reply)
			return nil
		},
	}
	cmd.Flags().String("user", "", "user the reply is drafted for")
	cmd.Flags().String("channel", "", "restrict style examples to a channel")
	cmd.Flags().String("workspace", "", "restrict style examples to a workspace")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newVectorizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vectorize",
		Short: "Run one vectorization batch on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold, _ := cmd.Flags().GetInt("min-threshold")

			client, closeConn, err := dial(cmd)
			if err != nil {
				return err
			}
			defer closeConn()

			ctx, cancel := requestContext(cmd)
			defer cancel()

			resp, err := client.Vectorize(ctx, &api.VectorizeRequest{MinThreshold: threshold})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "vectorized %d messages\n", resp.Processed)
			return nil
		},
	}
	cmd.Flags().Int("min-threshold", 0, "skip the run below this many pending messages")
	return cmd
}
