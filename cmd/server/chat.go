package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/strangerchat/relay-server-go/internal/chat"
	apperrors "github.com/strangerchat/relay-server-go/internal/errors"
	"github.com/strangerchat/relay-server-go/internal/model"
)

func newChatCmd() *cobra.Command {
	var interests []string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a stranger from the terminal",
		Long: "Chat with a stranger from the terminal against the configured store.\n" +
			"Type /next to start a new chat and /quit to leave.",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			client := chat.NewClient(b.store, b.channel, chat.Options{CandidateLimit: cfg.MatchCandidateLimit})
			return runTerminalChat(cmd.Context(), client, interests, os.Stdin, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringSliceVar(&interests, "interests", nil, "comma separated interests to match on")
	return cmd
}

// runTerminalChat reads commands and messages from in and prints the
// client's updates to out until /quit, end of input or ctx is done.
func runTerminalChat(ctx context.Context, client *chat.Client, interests []string, in io.Reader, out io.Writer) error {
	out = &syncWriter{w: out}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		printUpdates(client, out)
		return nil
	})

	g.Go(func() error {
		defer func() {
			client.Close(context.Background())
		}()

		if _, err := client.FindOrCreateSession(gctx, interests); err != nil && !apperrors.HasCode(err, apperrors.ErrCodeSubscriptionFailed) {
			return err
		}
		if tags := client.Interests(); len(tags) > 0 {
			fmt.Fprintf(out, "-- matching on %s\n", strings.Join(tags, ", "))
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(in)
			for scanner.Scan() {
				select {
				case lines <- scanner.Text():
				case <-gctx.Done():
					return
				}
			}
		}()

		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if err := handleLine(gctx, client, strings.TrimSpace(line), out); err != nil {
					if errors.Is(err, errQuit) {
						return nil
					}
					fmt.Fprintf(out, "! %s\n", errorText(err))
				}
			}
		}
	})

	return g.Wait()
}

// syncWriter lets the printer and the input loop share one output.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

var errQuit = errors.New("quit")

func handleLine(ctx context.Context, client *chat.Client, line string, out io.Writer) error {
	switch line {
	case "":
		return nil
	case "/quit":
		return errQuit
	case "/next":
		_, err := client.StartNewChat(ctx)
		if apperrors.HasCode(err, apperrors.ErrCodeSubscriptionFailed) {
			return nil
		}
		return err
	}

	state := client.Snapshot()
	if state.Session == nil || !state.Session.IsActive() {
		fmt.Fprintln(out, "! not connected to anyone yet")
		return nil
	}
	_, err := client.SendMessage(ctx, line)
	return err
}

// printUpdates prints each message once, including those that only arrive
// inside a snapshot.
func printUpdates(client *chat.Client, out io.Writer) {
	printed := make(map[string]bool)
	show := func(m *model.Message) {
		if m == nil || printed[m.ID] {
			return
		}
		printed[m.ID] = true
		printMessage(client.ID(), m, out)
	}

	for u := range client.Updates() {
		switch u.Type {
		case chat.UpdateMessage:
			show(u.Message)
		case chat.UpdateSnapshot:
			if u.State == nil {
				continue
			}
			for _, m := range u.State.Messages {
				show(m)
			}
		case chat.UpdateSession:
			if u.Session != nil && u.Session.IsEnded() {
				fmt.Fprintln(out, "-- chat ended, type /next to find someone new")
			}
		}
	}
}

func printMessage(selfID string, m *model.Message, out io.Writer) {
	switch {
	case m.IsSystem():
		fmt.Fprintf(out, "* %s\n", m.Content)
	case m.SenderID == selfID:
		fmt.Fprintf(out, "you: %s\n", m.Content)
	default:
		fmt.Fprintf(out, "stranger: %s\n", m.Content)
	}
}

func errorText(err error) string {
	if appErr, ok := apperrors.AsAppError(err); ok {
		return appErr.Message
	}
	return err.Error()
}
