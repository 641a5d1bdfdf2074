package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matheus3301/sectorsync/internal/api"
	"github.com/matheus3301/sectorsync/internal/model"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				resp, err := c.GetStatus(ctx)
				if err != nil {
					return err
				}
				printStatus(resp)
				return nil
			})
		},
	}
}

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect [sector]",
		Short: "Connect to the configured sector, or switch to another one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sector string
			if len(args) == 1 {
				sector = args[0]
			}
			return withClient(func(ctx context.Context, c *api.Client) error {
				resp, err := c.Connect(ctx, sector)
				if err != nil {
					return err
				}
				printStatus(resp)
				return nil
			})
		},
	}
}

func disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Close the real-time connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				resp, err := c.Disconnect(ctx)
				if err != nil {
					return err
				}
				printStatus(resp)
				return nil
			})
		},
	}
}

func contactsCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "List contacts in display order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				list := c.ListContacts
				if refresh {
					list = c.RefreshContacts
				}
				resp, err := list(ctx)
				if err != nil {
					return err
				}
				unread, err := c.GetUnread(ctx)
				if err != nil {
					return err
				}
				if jsonFlag {
					outputJSON(resp)
					return nil
				}
				if len(resp.Contacts) == 0 {
					fmt.Println("No contacts.")
					return nil
				}
				for _, ct := range resp.Contacts {
					mark := " "
					if unread.Unread[ct.ID] {
						mark = "*"
					}
					fmt.Printf("%s %-8d %-24s %s\n", mark, ct.ID, truncate(ct.DisplayName(), 24), truncate(ct.LastMessage, 40))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "fetch a fresh snapshot from the server first")
	return cmd
}

func unreadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unread",
		Short: "List unread conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				resp, err := c.GetUnread(ctx)
				if err != nil {
					return err
				}
				if jsonFlag {
					outputJSON(resp)
					return nil
				}
				var ids []int64
				for id, u := range resp.Unread {
					if u {
						ids = append(ids, id)
					}
				}
				slices.Sort(ids)
				if len(ids) == 0 {
					fmt.Println("No unread conversations.")
					return nil
				}
				for _, id := range ids {
					fmt.Println(id)
				}
				return nil
			})
		},
	}
}

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <conversation-id>",
		Short: "Open a conversation and load its newest page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *api.Client) error {
				resp, err := c.OpenConversation(ctx, id)
				if err != nil {
					return err
				}
				printPage(resp)
				return nil
			})
		},
	}
}

func olderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "older",
		Short: "Load the next older page of the open conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				resp, err := c.LoadOlder(ctx)
				if err != nil {
					return err
				}
				printPage(resp)
				return nil
			})
		},
	}
}

func messagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "messages",
		Short: "Print the open conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				resp, err := c.ListMessages(ctx)
				if err != nil {
					return err
				}
				if jsonFlag {
					outputJSON(resp)
					return nil
				}
				printMessages(resp.Messages)
				return nil
			})
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <text>...",
		Short: "Send a text message to the open conversation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				resp, err := c.SendMessage(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				if jsonFlag {
					outputJSON(resp)
					return nil
				}
				fmt.Printf("Queued %s (%s)\n", resp.Message.TempID, resp.Message.Status)
				return nil
			})
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <temp-id>",
		Short: "Resend a failed message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				resp, err := c.RetryMessage(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Retrying %s\n", resp.Message.TempID)
				return nil
			})
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <conversation-id>",
		Short: "Mark a conversation read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *api.Client) error {
				return c.MarkRead(ctx, id)
			})
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [prefix]...",
		Short: "Stream events (transport., contacts., messages., unread.)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			stream, err := c.WatchEvents(ctx, args...)
			if err != nil {
				return err
			}
			for {
				evt, err := stream.Recv()
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					return nil
				}
				if err != nil {
					return err
				}
				if jsonFlag {
					outputJSON(evt)
					continue
				}
				fmt.Printf("%s %-28s %s\n", evt.OccurredAt.Format("15:04:05.000"), evt.Kind, truncate(string(evt.Payload), 120))
			}
		},
	}
}

func printStatus(resp *api.StatusResponse) {
	if jsonFlag {
		outputJSON(resp)
		return
	}
	fmt.Printf("Profile:      %s\n", resp.Profile)
	fmt.Printf("State:        %s\n", resp.State)
	fmt.Printf("Sector:       %s\n", orDash(resp.Sector))
	fmt.Printf("Conversation: %d\n", resp.Conversation)
	fmt.Printf("Contacts:     %d (%d buffered)\n", resp.Contacts, resp.PendingContacts)
	fmt.Printf("Unread:       %d\n", resp.Unread)
	fmt.Printf("Uptime:       %dms\n", resp.UptimeMs)
}

func printPage(resp *api.PageResponse) {
	if jsonFlag {
		outputJSON(resp)
		return
	}
	switch {
	case resp.Skipped:
		fmt.Println("A page is already loading.")
	case resp.Stale:
		fmt.Println("Conversation changed while loading.")
	default:
		printMessages(resp.Messages)
		fmt.Printf("-- page %d, %d added, more: %t\n", resp.PageIndex, resp.Added, resp.HasMore)
	}
}

func printMessages(msgs []model.Message) {
	for _, m := range msgs {
		dir := "<"
		if m.Outbound {
			dir = ">"
		}
		id := strconv.FormatInt(m.ID, 10)
		if m.Pending() {
			id = m.TempID
		}
		fmt.Printf("%s %s %-10s %s [%s]\n", m.CreatedAt.Local().Format("01-02 15:04"), dir, m.Status, m.Body, id)
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid conversation id %q", s)
	}
	return id, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
