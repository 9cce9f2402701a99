package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-companion/internal/client"
	"github.com/vovakirdan/wirechat-companion/internal/log"
	"github.com/vovakirdan/wirechat-companion/internal/proto"
)

func main() {
	if err := chatCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func chatCmd() *cobra.Command {
	var serverURL, token, room, logLevel string

	cmd := &cobra.Command{
		Use:          "chatcli",
		Short:        "Terminal chat client for companion rooms",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("WIRECHAT_TOKEN")
			}
			logger := log.NewWithWriter(os.Stderr, logLevel, "console")

			c, err := client.New(client.Options{URL: serverURL, Token: token, Logger: logger})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if room != "" {
				_ = c.Join(ctx, room)
			}

			runErr := make(chan error, 1)
			go func() { runErr <- c.Run(ctx) }()
			go printUpdates(ctx, cmd.OutOrStdout(), c)

			lines := make(chan string)
			go readLines(cmd.InOrStdin(), lines)

			for {
				select {
				case <-ctx.Done():
					return nil
				case err := <-runErr:
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					if quit := handleLine(ctx, cmd.OutOrStdout(), c, line); quit {
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&serverURL, "url", "ws://localhost:8080/ws", "websocket endpoint")
	cmd.Flags().StringVar(&token, "token", "", "bearer credential (default: $WIRECHAT_TOKEN)")
	cmd.Flags().StringVar(&room, "room", "", "room to join on start")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level")
	return cmd
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// handleLine runs one input line and reports whether to quit.
func handleLine(ctx context.Context, w io.Writer, c *client.Client, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case line == "/continue":
		go func() {
			res, err := c.Continue(ctx)
			printAck(w, res, err)
		}()
	case line == "/older":
		more, err := c.LoadOlder(ctx)
		switch {
		case err != nil:
			fmt.Fprintf(w, "! %v\n", err)
		case !more:
			fmt.Fprintln(w, "* no older messages")
		}
	case line == "/leave":
		if err := c.Leave(ctx); err != nil {
			fmt.Fprintf(w, "! %v\n", err)
		}
	case strings.HasPrefix(line, "/join "):
		if err := c.Join(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/join "))); err != nil {
			fmt.Fprintf(w, "! %v\n", err)
		}
	case strings.HasPrefix(line, "/"):
		fmt.Fprintln(w, "* commands: /join <room>, /leave, /continue, /older, /quit")
	default:
		// Acks can take as long as a generation; keep reading input meanwhile.
		go func() {
			res, err := c.Send(ctx, line)
			printAck(w, res, err)
		}()
	}
	return false
}

func printAck(w io.Writer, res client.AckResult, err error) {
	switch {
	case errors.Is(err, client.ErrAckTimeout):
		fmt.Fprintln(w, "? no acknowledgment, the message may not have been delivered")
	case err != nil:
		fmt.Fprintf(w, "! %v\n", err)
	case res.Status == client.AckFailed:
		fmt.Fprintf(w, "! rejected: %s\n", res.Code)
	}
}

func printUpdates(ctx context.Context, w io.Writer, c *client.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-c.StateChanges():
			fmt.Fprintf(w, "* %s\n", s)
		case u := <-c.Updates():
			printUpdate(w, u)
		}
	}
}

func printUpdate(w io.Writer, u client.Update) {
	switch u.Event {
	case proto.EventNewMessage:
		printMessage(w, *u.Message)
	case proto.EventMessageHistory:
		for _, m := range u.History.Messages {
			printMessage(w, m)
		}
		if u.History.Cached {
			fmt.Fprintln(w, "* history served from cache")
		}
	case proto.EventAITypingStart:
		fmt.Fprintln(w, "* companion is typing...")
	case proto.EventRoomJoined:
		fmt.Fprintf(w, "* joined %s\n", u.RoomID)
	case proto.EventRoomLeft:
		fmt.Fprintf(w, "* left %s\n", u.RoomID)
	case proto.EventError:
		if u.Error != nil {
			fmt.Fprintf(w, "! %s: %s\n", u.Error.Code, u.Error.Message)
		}
	}
}

func printMessage(w io.Writer, m proto.Message) {
	name := m.SenderName
	if name == "" {
		name = m.SenderType
	}
	fmt.Fprintf(w, "[%s] %s: %s\n", m.CreatedAt, name, m.Content)
}
