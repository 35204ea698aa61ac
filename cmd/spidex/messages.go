package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	spidex "github.com/spidexmarket/spidex/sdk/golang"
)

// ============================================================================
// inbox
// ============================================================================

var (
	inboxWatch  bool
	inboxFilter string
	inboxAll    bool
	inboxJSON   bool
)

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, client, err := requireSession()
		if err != nil {
			return err
		}
		if inboxAll && !session.Operator {
			return fmt.Errorf("--all requires an operator session")
		}
		inbox := spidex.NewInbox(client, session, &spidex.InboxOptions{
			Interval: loadSettings().PollInterval,
			All:      inboxAll,
			Logger:   logger,
		})

		if !inboxWatch {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := inbox.Refresh(ctx); err != nil {
				return fmt.Errorf("failed to fetch messages: %w", err)
			}
			return printInbox(inbox.Conversations(), session)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		inbox.On(spidex.EventInboxUpdate, func(_ string, payload any) {
			convs, _ := payload.([]spidex.Conversation)
			fmt.Printf("\n── %s ──\n", time.Now().Format("15:04:05"))
			_ = printInbox(convs, session)
		})
		inbox.On(spidex.EventSyncError, func(_ string, payload any) {
			if se, ok := payload.(spidex.SyncError); ok {
				fmt.Fprintf(os.Stderr, "sync failed: %v\n", se.Err)
			}
		})
		inbox.Start(ctx)
		<-ctx.Done()
		inbox.Stop()
		return nil
	},
}

func printInbox(convs []spidex.Conversation, session spidex.Session) error {
	convs = spidex.FilterConversations(convs, inboxFilter)
	if inboxJSON {
		return printJSON(convs)
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return nil
	}
	pairView := inboxAll && session.Operator
	for _, c := range convs {
		fmt.Println(formatConversation(c, pairView))
	}
	if total := spidex.TotalUnread(convs); total > 0 {
		fmt.Printf("\n%d unread\n", total)
	}
	return nil
}

// ============================================================================
// history
// ============================================================================

var (
	historyBetween string
	historyJSON    bool
)

var historyCmd = &cobra.Command{
	Use:   "history [counterpart]",
	Short: "Print a conversation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, client, err := requireSession()
		if err != nil {
			return err
		}
		target, err := resolveTarget(args, historyBetween, "")
		if err != nil {
			return err
		}

		engine := spidex.NewEngine(client, session, &spidex.EngineOptions{Logger: logger})
		defer engine.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := engine.Start(ctx, target); err != nil {
			return err
		}
		if err := engine.Refresh(ctx); err != nil {
			return fmt.Errorf("failed to fetch conversation: %w", err)
		}
		conv := engine.Conversation()

		if historyJSON {
			return printJSON(conv)
		}
		if len(conv.Messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range conv.Messages {
			fmt.Println(formatMessage(m, &conv, session.UserID))
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var (
	sendProduct string
	sendReplyTo string
	sendFile    string
	sendInquiry bool
	sendTitle   string
	sendBetween string
	sendToward  string
)

var sendCmd = &cobra.Command{
	Use:   "send [counterpart] [text]",
	Short: "Send a message",
	Long: "Send a message to a counterpart. Operators replying inside someone else's\n" +
		"conversation pass --between a,b --toward <id> and only the text.",
	Args: cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, client, err := requireSession()
		if err != nil {
			return err
		}
		var text string
		targetArgs := args
		if sendBetween != "" {
			if len(args) > 1 {
				return fmt.Errorf("with --between pass only the message text")
			}
			if len(args) == 1 {
				text = args[0]
			}
			targetArgs = nil
		} else if len(args) == 2 {
			text = args[1]
			targetArgs = args[:1]
		}
		target, err := resolveTarget(targetArgs, sendBetween, sendToward)
		if err != nil {
			return err
		}

		composer := spidex.NewComposer(client, session, nil, &spidex.ComposerOptions{Logger: logger})
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		var rec spidex.MessageRecord
		if sendInquiry {
			rec, err = composer.SendInquiry(ctx, target, spidex.Product{ID: sendProduct, Title: sendTitle})
		} else {
			draft := spidex.Draft{Content: text, ProductID: sendProduct, ReplyToID: sendReplyTo}
			if sendFile != "" {
				att, err := readAttachment(sendFile)
				if err != nil {
					return err
				}
				fmt.Printf("Uploading %s (%s)...\n", att.FileName, humanize.Bytes(uint64(len(att.Data))))
				draft.Attachment = att
			}
			rec, err = composer.Send(ctx, target, draft)
		}
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Sent %s to %s\n", rec.ID, displayName(rec.Receiver))
		return nil
	},
}

func readAttachment(path string) (*spidex.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read attachment: %w", err)
	}
	return &spidex.Attachment{FileName: filepath.Base(path), Data: data}, nil
}

// ============================================================================
// seen
// ============================================================================

var seenBetween string

var seenCmd = &cobra.Command{
	Use:   "seen [counterpart]",
	Short: "Mark a conversation as read",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, client, err := requireSession()
		if err != nil {
			return err
		}
		target, err := resolveTarget(args, seenBetween, "")
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n := spidex.NewSeenPropagator(client, session, nil, &spidex.SeenOptions{Logger: logger}).MarkSeen(ctx, target)
		fmt.Printf("Marked %d message(s) as seen\n", n)
		return nil
	},
}

// ============================================================================
// delete
// ============================================================================

var deleteConversation string

var deleteCmd = &cobra.Command{
	Use:   "delete [message-id]",
	Short: "Delete a message, or a whole conversation with --conversation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := requireSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if deleteConversation != "" {
			if err := client.DeleteConversation(ctx, deleteConversation); err != nil {
				return fmt.Errorf("failed to delete conversation: %w", err)
			}
			fmt.Printf("Deleted conversation with %s\n", deleteConversation)
			return nil
		}
		if len(args) == 0 {
			return fmt.Errorf("a message id (or --conversation <counterpart>) is required")
		}
		if err := client.Delete(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	inboxCmd.Flags().BoolVarP(&inboxWatch, "watch", "w", false, "Keep polling and reprint on changes")
	inboxCmd.Flags().StringVarP(&inboxFilter, "filter", "f", "", "Only show conversations whose counterpart matches")
	inboxCmd.Flags().BoolVar(&inboxAll, "all", false, "List every conversation on the platform (operators)")
	inboxCmd.Flags().BoolVar(&inboxJSON, "json", false, "Output JSON")

	historyCmd.Flags().StringVar(&historyBetween, "between", "", "Operator view of two users: a,b")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")

	sendCmd.Flags().StringVar(&sendProduct, "product", "", "Product id the message is about")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message id being replied to")
	sendCmd.Flags().StringVar(&sendFile, "file", "", "Attach a local file")
	sendCmd.Flags().BoolVar(&sendInquiry, "inquiry", false, "Send the standard product inquiry (use with --product)")
	sendCmd.Flags().StringVar(&sendTitle, "title", "", "Product title for --inquiry")
	sendCmd.Flags().StringVar(&sendBetween, "between", "", "Reply inside a conversation between two users: a,b")
	sendCmd.Flags().StringVar(&sendToward, "toward", "", "With --between, the user the reply goes to")

	seenCmd.Flags().StringVar(&seenBetween, "between", "", "Operator view of two users: a,b")

	deleteCmd.Flags().StringVar(&deleteConversation, "conversation", "", "Delete the whole conversation with this counterpart")

	rootCmd.AddCommand(inboxCmd, historyCmd, sendCmd, seenCmd, deleteCmd)
}
