package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	spidex "github.com/spidexmarket/spidex/sdk/golang"
)

var (
	chatBetween     string
	chatToward      string
	chatPush        string
	chatInterval    time.Duration
	chatMetricsAddr string
)

func init() {
	chatCmd.Flags().StringVar(&chatBetween, "between", "", "Operator view of two users: a,b")
	chatCmd.Flags().StringVar(&chatToward, "toward", "", "With --between, the user replies go to")
	chatCmd.Flags().StringVar(&chatPush, "push", "ws", "Push channel: ws, sse or off")
	chatCmd.Flags().DurationVar(&chatInterval, "interval", 0, "Poll interval (default 3s, 3.5s for operator views)")
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [counterpart]",
	Short: "Follow a conversation live and reply from the terminal",
	Long: `Open a conversation, print new messages as they arrive and send every line typed.

Commands:
  /file <path> [text]   send a file
  /reply <id> <text>    reply to a message
  /delete <id>          delete one of your messages
  /seen                 mark the conversation read
  /quit                 leave`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, client, err := requireSession()
		if err != nil {
			return err
		}
		target, err := resolveTarget(args, chatBetween, chatToward)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var metrics *spidex.Metrics
		if chatMetricsAddr != "" {
			metrics = serveMetrics(ctx, chatMetricsAddr)
		}

		interval := chatInterval
		if interval == 0 {
			interval = loadSettings().PollInterval
		}
		if interval == 0 && target.IsPair() {
			interval = spidex.OperatorPollInterval
		}

		engine := spidex.NewEngine(client, session, &spidex.EngineOptions{
			Interval: interval,
			Logger:   logger,
			Metrics:  metrics,
		})
		defer engine.Close()
		composer := spidex.NewComposer(client, session, engine, &spidex.ComposerOptions{Logger: logger, Metrics: metrics})
		seen := spidex.NewSeenPropagator(client, session, engine, &spidex.SeenOptions{Logger: logger, Metrics: metrics})

		watchConversation(engine, session.UserID)

		if err := engine.Start(ctx, target); err != nil {
			return err
		}
		detach := seen.Attach(ctx, engine)
		defer detach()

		if pch := newPushChannel(client.BaseURL(), session, metrics); pch != nil {
			spidex.BindPush(ctx, engine, pch)
			if err := pch.Connect(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "push unavailable (%v), polling only\n", err)
			}
			defer pch.Disconnect()
		}

		fmt.Printf("Chatting in %s. Type /quit to leave.\n", target)

		lines := make(chan string)
		go readLines(lines)
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := handleChatLine(ctx, line, target, engine, composer, seen); quit {
					return nil
				}
			}
		}
	},
}

// watchConversation prints conversation activity as it happens.
func watchConversation(engine *spidex.Engine, viewerID string) {
	var shown atomic.Bool
	engine.On(spidex.EventUpdate, func(_ string, payload any) {
		u, ok := payload.(spidex.Update)
		if !ok {
			return
		}
		msgs := u.NewMessages
		if u.Source == spidex.SourcePull && shown.CompareAndSwap(false, true) {
			msgs = u.Conversation.Messages
		}
		for _, m := range msgs {
			if m.Sender.ID == viewerID && u.Source != spidex.SourcePull {
				continue
			}
			fmt.Println(formatMessage(m, &u.Conversation, viewerID))
		}
	})
	engine.On(spidex.EventMessagePending, func(_ string, payload any) {
		if m, ok := payload.(spidex.MessageRecord); ok {
			logger.Debug("sending", zap.String("temp_id", m.ID))
		}
	})
	engine.On(spidex.EventMessageConfirmed, func(_ string, payload any) {
		if m, ok := payload.(spidex.MessageRecord); ok {
			fmt.Printf("  ✓ delivered (%s)\n", m.ID)
		}
	})
	engine.On(spidex.EventMessageFailed, func(_ string, payload any) {
		if f, ok := payload.(spidex.SendFailure); ok {
			fmt.Fprintf(os.Stderr, "  ✗ not sent: %v\n", f.Err)
		}
	})
	engine.On(spidex.EventSyncError, func(_ string, payload any) {
		if se, ok := payload.(spidex.SyncError); ok {
			logger.Warn("sync failed", zap.Error(se.Err))
		}
	})
	engine.On(spidex.EventPresence, func(_ string, payload any) {
		if ids, ok := payload.([]string); ok {
			logger.Debug("online users", zap.Strings("user_ids", ids))
		}
	})
}

func newPushChannel(baseURL string, session spidex.Session, metrics *spidex.Metrics) spidex.PushChannel {
	cfg := spidex.PushConfig{
		Session:       session,
		AutoReconnect: true,
		Logger:        logger,
		Metrics:       metrics,
	}
	switch chatPush {
	case "ws":
		return spidex.NewPushWS(baseURL, cfg)
	case "sse":
		return spidex.NewPushSSE(baseURL, cfg)
	default:
		return nil
	}
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// handleChatLine runs one line of input and reports whether to quit.
func handleChatLine(ctx context.Context, line string, target spidex.Target, engine *spidex.Engine, composer *spidex.Composer, seen *spidex.SeenPropagator) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	send := func(draft spidex.Draft) {
		go func() {
			sctx, cancel := context.WithTimeout(ctx, 60*time.Second)
			defer cancel()
			// Failures are reported through EventMessageFailed.
			_, _ = composer.Send(sctx, target, draft)
		}()
	}

	if !strings.HasPrefix(line, "/") {
		send(spidex.Draft{Content: line})
		return false
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "/quit", "/exit":
		return true
	case "/seen":
		fmt.Printf("Marked %d message(s) as seen\n", seen.MarkSeen(ctx, target))
	case "/reply":
		id, text, _ := strings.Cut(rest, " ")
		if id == "" {
			fmt.Fprintln(os.Stderr, "usage: /reply <message-id> <text>")
			return false
		}
		send(spidex.Draft{Content: text, ReplyToID: id})
	case "/file":
		path, text, _ := strings.Cut(rest, " ")
		att, err := readAttachment(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return false
		}
		send(spidex.Draft{Content: text, Attachment: att})
	case "/delete":
		if rest == "" {
			fmt.Fprintln(os.Stderr, "usage: /delete <message-id>")
			return false
		}
		dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := engine.DeleteMessage(dctx, rest); err != nil {
			fmt.Fprintf(os.Stderr, "delete failed: %v\n", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", name)
	}
	return false
}

// serveMetrics registers the messaging collectors on a private registry and
// serves it until ctx ends.
func serveMetrics(ctx context.Context, addr string) *spidex.Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := spidex.NewMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return metrics
}
