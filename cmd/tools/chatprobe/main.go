package main

import (
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	// 与服务端共用 .env 中的 PORT
	_ = godotenv.Load()

	opts := probeOptions{}
	cmd := &cobra.Command{
		Use:          "chatprobe",
		Short:        "Drive a room relay session from the terminal",
		Long:         "chatprobe connects to the relay websocket, enters a performer room, optionally requests a private show, sends chat lines and prints every event it receives.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.PerformerID == "" {
				return errors.New("--performer is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runProbe(ctx, opts, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.URL, "url", defaultURL(), "relay websocket URL")
	flags.StringVar(&opts.PerformerID, "performer", "", "performer (room) id to enter")
	flags.StringVar(&opts.Mode, "mode", "", "chat mode: guest or room")
	flags.BoolVar(&opts.Private, "private", false, "request a private show after entering")
	flags.BoolVar(&opts.Exclusive, "exclusive", false, "request an exclusive private show")
	flags.StringSliceVar(&opts.Say, "say", nil, "chat lines to send (repeatable)")
	flags.DurationVar(&opts.Listen, "listen", 2*time.Second, "how long to keep printing events after the last send")
	flags.DurationVar(&opts.Timeout, "timeout", 15*time.Second, "timeout for each transition result")

	return cmd
}

func defaultURL() string {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8200"
	}
	if !strings.Contains(port, ":") {
		port = "127.0.0.1:" + port
	} else if strings.HasPrefix(port, ":") {
		port = "127.0.0.1" + port
	}
	return "ws://" + port + "/socket"
}

