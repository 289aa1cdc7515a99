package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(inboxCmd)
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List conversations with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadProfile()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		s, err := openSession(ctx, p)
		if err != nil {
			return err
		}
		defer s.Close()

		entries, err := s.client.Directory().Refresh(ctx)
		if err != nil {
			return fmt.Errorf("load inbox: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(out, "No conversations.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tWITH\tREQUEST\tUNREAD\tLAST ACTIVITY\tLAST MESSAGE")
		for _, e := range entries {
			conv := e.Conversation
			with := conv.OtherParty(p.User.ID)
			if e.OtherParty != nil && e.OtherParty.DisplayName != "" {
				with = e.OtherParty.DisplayName
			}
			request := conv.RequestID
			if e.Request != nil && e.Request.Title != "" {
				request = e.Request.Title
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				conv.ID, with, valueOr(request, "-"), e.Unread, activity(conv.LastMessageAt, conv.CreatedAt), conv.LastMessageText)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nTotal unread: %d\n", s.client.TotalUnread().Get())
		return nil
	},
}

func activity(last, created time.Time) string {
	if last.IsZero() {
		last = created
	}
	return last.Local().Format(time.DateTime)
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
