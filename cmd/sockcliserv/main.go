// Command sockcliserv runs a TCP echo server or a client that bounces a
// message off it until a timer expires, reporting the bytes read.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/searchktools/reactor/app"
	"github.com/searchktools/reactor/config"
	"github.com/searchktools/reactor/core"
)

const defaultAddr = "127.0.0.1:6060"

func main() {
	var (
		logLevel string
		debug    bool
	)
	defaults := envSettings()

	rootCmd := &cobra.Command{
		Use:           "sockcliserv",
		Short:         "Echo server and ping-pong client on a single reactor loop",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", defaults.logLevel, "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", defaults.debug, "enable loop debug checks")

	loopOptions := func() []core.Option {
		logger := app.NewLogger(config.LogConfig{Level: logLevel, Format: "text"}, os.Stderr)
		return []core.Option{core.WithLogger(logger), core.WithDebug(debug)}
	}

	rootCmd.AddCommand(serverCmd(defaults, loopOptions), clientCmd(defaults, loopOptions))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serverCmd(defaults settings, loopOptions func() []core.Option) *cobra.Command {
	var readHWM int

	cmd := &cobra.Command{
		Use:   "server [address]",
		Short: "Echo every byte back to its sender",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := core.ParseAddr(addrArg(args, defaults.addr))
			if err != nil {
				return err
			}
			s, err := newEchoServer(addr, readHWM, loopOptions()...)
			if err != nil {
				return err
			}
			if err := s.exitOn(exitSignals...); err != nil {
				s.close()
				return err
			}
			fmt.Printf("Server listening on %s\n", s.addr())
			return s.run()
		},
	}
	cmd.Flags().IntVar(&readHWM, "read-hwm", defaults.readHWM, "pause reading a connection once this many bytes are buffered (0: unbounded)")
	return cmd
}

func clientCmd(defaults settings, loopOptions func() []core.Option) *cobra.Command {
	var (
		timeout time.Duration
		lines   int
	)

	cmd := &cobra.Command{
		Use:   "client [address]",
		Short: "Bounce a message off the echo server until the timeout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := core.ParseAddr(addrArg(args, defaults.addr))
			if err != nil {
				return err
			}
			fmt.Printf("Client connecting on %s\n", addr)
			n, err := runClient(addr, timeout, lines, os.Stdout, loopOptions()...)
			fmt.Printf("%d Total bytes read\n", n)
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", defaults.timeout, "how long to keep the exchange going")
	cmd.Flags().IntVar(&lines, "lines", defaults.lines, "lines in the initial message")
	return cmd
}

func addrArg(args []string, fallback string) string {
	if len(args) > 0 {
		return args[0]
	}
	return fallback
}
