package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/sectorsync/internal/api"
	"github.com/matheus3301/sectorsync/internal/session"
)

var (
	profileFlag string
	jsonFlag    bool
	timeoutFlag time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "syncctl",
		Short:         "Control a running sectorsync daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	root.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		statusCmd(),
		connectCmd(),
		disconnectCmd(),
		contactsCmd(),
		unreadCmd(),
		openCmd(),
		olderCmd(),
		messagesCmd(),
		sendCmd(),
		retryCmd(),
		readCmd(),
		watchCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// dial connects to the daemon of the selected profile.
func dial() (*api.Client, error) {
	profile := session.Resolve(profileFlag)
	if err := session.ValidateName(profile); err != nil {
		return nil, err
	}
	c, err := api.Dial(session.SocketPath(profile))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for profile %q: %w", profile, err)
	}
	return c, nil
}

// withClient runs fn with a connected client and a request timeout.
func withClient(fn func(ctx context.Context, c *api.Client) error) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()
	return fn(ctx, c)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
