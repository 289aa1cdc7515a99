package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"marketchat/internal/chatsync"
)

var openFlags struct {
	id      string
	with    string
	request string
}

func init() {
	f := openCmd.Flags()
	f.StringVar(&openFlags.id, "id", "", "conversation id")
	f.StringVar(&openFlags.with, "with", "", "other party's user id; the conversation is created when missing")
	f.StringVar(&openFlags.request, "request", "", "request the conversation is about")
	rootCmd.AddCommand(openCmd)
}

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a conversation and chat from stdin",
	Long: "Open a conversation, print its history and stream new messages.\n" +
		"Each stdin line is sent as a message. /more loads older history, /typing\n" +
		"announces typing and /quit leaves.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if openFlags.id == "" && openFlags.with == "" {
			return errors.New("pass --id or --with")
		}
		p, err := loadProfile()
		if err != nil {
			return err
		}
		role, err := p.role()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		s, err := openSession(ctx, p)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.client.Start(ctx); err != nil {
			return err
		}

		feed, err := s.client.OpenConversation(ctx, chatsync.OpenParams{
			ConversationID: openFlags.id,
			OtherPartyID:   openFlags.with,
			RequestID:      openFlags.request,
			ViewerRole:     role,
		})
		if err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}
		defer feed.Close()

		conv := feed.Conversation()
		other := conv.OtherParty(p.User.ID)
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "conversation %s with %s\n", conv.ID, other)

		printer := newTranscript(out, p.User.ID)
		printer.history(feed.Messages().Get())
		stopMessages := feed.Messages().Subscribe(printer.update)
		defer stopMessages()
		if typing := feed.Typing(); typing != nil {
			stopTyping := typing.Typist().Subscribe(func(name string) {
				if name != "" {
					printer.note(name + " is typing...")
				}
			})
			defer stopTyping()
		}
		go func() {
			for err := range feed.Errors() {
				printer.note("send failed: " + err.Error())
			}
		}()

		return chatLoop(ctx, cmd.InOrStdin(), feed, s.client, printer, other)
	},
}

func chatLoop(ctx context.Context, in io.Reader, feed *chatsync.Feed, client *chatsync.Client, printer *transcript, other string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			feed.Wait()
			return nil
		case line, ok := <-lines:
			if !ok {
				feed.Wait()
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case "/quit":
				feed.Wait()
				return nil
			case "/more":
				state := feed.Messages().Get()
				if err := feed.Visible(ctx, len(state.Messages)-1); err != nil {
					printer.note("load more failed: " + err.Error())
				}
				continue
			case "/typing":
				if typing := feed.Typing(); typing != nil {
					_ = typing.Send(ctx)
				}
				continue
			case "/who":
				status := "offline"
				if client.IsOnline(other) {
					status = "online"
				}
				printer.note(other + " is " + status)
				continue
			}
			if _, err := feed.Send(ctx, line); err != nil {
				printer.note("send failed: " + err.Error())
			}
		}
	}
}

// transcript prints each message once, oldest first, as the feed state evolves.
type transcript struct {
	out    io.Writer
	viewer string

	mu      sync.Mutex
	printed map[string]bool
	failed  map[string]bool
}

func newTranscript(out io.Writer, viewer string) *transcript {
	return &transcript{out: out, viewer: viewer, printed: make(map[string]bool), failed: make(map[string]bool)}
}

func (t *transcript) history(state chatsync.FeedState) {
	t.update(state)
	if state.Exhausted {
		t.note("start of conversation")
	}
}

// update prints entries not seen before. Older pages loaded later print too, marked as history.
func (t *transcript) update(state chatsync.FeedState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(state.Messages) - 1; i >= 0; i-- {
		e := state.Messages[i]
		if e.Failed && !t.failed[e.ID] {
			t.failed[e.ID] = true
			fmt.Fprintf(t.out, "  ! not delivered: %s\n", e.Text)
		}
		if t.printed[e.ID] || e.Pending || e.Failed {
			continue
		}
		t.printed[e.ID] = true
		fmt.Fprintln(t.out, t.format(e))
	}
}

func (t *transcript) format(e chatsync.Entry) string {
	name := e.SenderID
	if e.Sender != nil && e.Sender.DisplayName != "" {
		name = e.Sender.DisplayName
	}
	if e.SenderID == t.viewer {
		name = "you"
	}
	if e.IsSystem {
		name = "system"
	}
	return fmt.Sprintf("[%s] %s: %s", e.CreatedAt.Local().Format(time.TimeOnly), name, e.Text)
}

func (t *transcript) note(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "  * %s\n", msg)
}
