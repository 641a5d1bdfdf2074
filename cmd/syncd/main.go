package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/sectorsync/internal/daemon"
	"github.com/matheus3301/sectorsync/internal/logging"
	"github.com/matheus3301/sectorsync/internal/session"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	levelFlag := flag.String("log-level", "info", "log level: debug, info, warn, error")
	connectFlag := flag.Bool("connect", true, "connect to the configured sector on startup")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Profile:     profile,
			LogLevel:    logging.ParseLevel(*levelFlag),
			AutoConnect: *connectFlag,
		}),
	)

	app.Run()
}
