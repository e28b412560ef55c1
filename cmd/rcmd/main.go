package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/3cpo-dev/rcmd/internal/client"
	"github.com/3cpo-dev/rcmd/internal/protocol"
)

var (
	version   = "1.0.0"
	commit    = ""
	buildDate = ""
)

// errServerEnded marks a session the server ended early.
var errServerEnded = errors.New("session ended by server")

// Create the root command
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rcmd <host> <port> <count> <delay> <command>",
		Short: "Run a command repeatedly on a remote rcmd server",
		Long: "rcmd asks an rcmd server to run <command> <count> times, <delay> seconds apart,\n" +
			"printing the server's clock and the command output for every run.\n" +
			"Type rcend and press Enter to end the session early.",
		Args:          cobra.ExactArgs(5),
		RunE:          runSession,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.Flags().String("family", client.FamilyIPv6, "address family to resolve the host with: ip6, ip4 or ip")
	cmd.Flags().Duration("dial-timeout", 10*time.Second, "connection timeout")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		switch levelStr {
		case "trace":
			zerolog.SetGlobalLevel(zerolog.TraceLevel)
		case "debug":
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		case "warn":
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		case "error":
			zerolog.SetGlobalLevel(zerolog.ErrorLevel)
		case "fatal":
			zerolog.SetGlobalLevel(zerolog.FatalLevel)
		default:
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	}

	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rcmd %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

func parseArgs(args []string) (host, port string, req protocol.Request, err error) {
	host, port = args[0], args[1]
	if p, perr := strconv.ParseUint(port, 10, 16); perr != nil || p == 0 {
		return "", "", req, fmt.Errorf("invalid port %q", port)
	}
	count, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil {
		return "", "", req, fmt.Errorf("invalid count %q", args[2])
	}
	delay, err := strconv.ParseUint(args[3], 10, 32)
	if err != nil {
		return "", "", req, fmt.Errorf("invalid delay %q", args[3])
	}
	if args[4] == "" {
		return "", "", req, errors.New("empty command")
	}
	req = protocol.Request{Count: uint(count), Delay: uint(delay), Command: args[4]}
	if _, err := req.Encode(); err != nil {
		return "", "", req, fmt.Errorf("command too long: %w", err)
	}
	return host, port, req, nil
}

func runSession(cmd *cobra.Command, args []string) error {
	host, port, req, err := parseArgs(args)
	if err != nil {
		return err
	}
	family, _ := cmd.Flags().GetString("family")
	dialTimeout, _ := cmd.Flags().GetDuration("dial-timeout")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := client.Dial(ctx, host, port, family, dialTimeout)
	if err != nil {
		return err
	}
	log.Debug().Str("server", conn.RemoteAddr().String()).Msg("Connected")

	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "Type rcend and press Enter to end the session early.")
	}

	d := &client.Driver{Out: os.Stdout, Cancel: os.Stdin}
	status, err := d.Run(ctx, conn, req)
	if err != nil {
		return err
	}
	log.Debug().Str("status", status.String()).Msg("Session finished")
	if status == client.StatusTerminatedByServer {
		return errServerEnded
	}
	return nil
}

// Setup the logger
func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Main entry point
func main() {
	setupLogger()
	root := newRootCmd()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errServerEnded) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
