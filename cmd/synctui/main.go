package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/matheus3301/sectorsync/internal/api"
	"github.com/matheus3301/sectorsync/internal/session"
	"github.com/matheus3301/sectorsync/internal/tui"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	socketPath := session.SocketPath(profile)

	// Check daemon health; auto-start if needed.
	if !pingDaemon(socketPath) {
		fmt.Fprintf(os.Stderr, "daemon not running for profile %q, starting...\n", profile)
		if err := startDaemon(profile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start daemon: %v\n", err)
			os.Exit(1)
		}
		if !waitForDaemon(socketPath, 10*time.Second) {
			fmt.Fprintf(os.Stderr, "daemon did not become ready\n")
			os.Exit(1)
		}
	}

	c, err := api.Dial(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to daemon: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	app := tui.NewApp(c, profile)
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// pingDaemon checks that a daemon answers GetStatus on the socket.
func pingDaemon(socketPath string) bool {
	c, err := api.Dial(socketPath)
	if err != nil {
		return false
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = c.GetStatus(ctx)
	return err == nil
}

func startDaemon(profile string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	syncd := filepath.Join(filepath.Dir(executable), "syncd")

	if _, err := os.Stat(syncd); err != nil {
		syncd = "syncd"
	}

	cmd := exec.Command(syncd, "--profile", profile)
	// Inherit stderr so daemon startup errors are visible.
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

// waitForDaemon polls with a real RPC, not just a socket connect.
func waitForDaemon(socketPath string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pingDaemon(socketPath) {
			return true
		}
		time.Sleep(300 * time.Millisecond)
	}
	return false
}
