package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"marketchat/internal/chatsync"
)

var onlineWait time.Duration

func init() {
	onlineCmd.Flags().DurationVar(&onlineWait, "watch", 0, "keep printing membership changes for this long (0 prints once)")
	rootCmd.AddCommand(onlineCmd)
}

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Show which users are online",
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

		updates := make(chan chatsync.UserSet, 8)
		cancel := s.client.OnlineUserIDs().Subscribe(func(set chatsync.UserSet) {
			select {
			case updates <- set:
			default:
			}
		})
		defer cancel()
		if err := s.client.Start(ctx); err != nil {
			return err
		}
		if err := s.client.SetForeground(ctx, true); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		first := time.NewTimer(3 * time.Second)
		defer first.Stop()
		select {
		case set := <-updates:
			fmt.Fprintf(out, "online: %s\n", strings.Join(set.Sorted(), ", "))
		case <-first.C:
			return fmt.Errorf("no presence update from %s", p.Gateway.URL)
		case <-ctx.Done():
			return ctx.Err()
		}
		if onlineWait <= 0 {
			return nil
		}

		deadline := time.NewTimer(onlineWait)
		defer deadline.Stop()
		for {
			select {
			case set := <-updates:
				fmt.Fprintf(out, "%s online: %s\n", time.Now().Format(time.TimeOnly), strings.Join(set.Sorted(), ", "))
			case <-deadline.C:
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	},
}
