// Package main is splitplayctl, the command line client of the broker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/manchtools/splitplay/broker/internal/apierr"
	"github.com/manchtools/splitplay/broker/internal/rpc"
)

// version is set at build time via -ldflags.
var version = "dev"

// Exit codes by error kind.
const (
	exitFailed       = 1
	exitInvalidArgs  = 2
	exitAccessDenied = 3
)

// globals holds the persistent flags.
type globals struct {
	socket  string
	json    bool
	timeout time.Duration
}

func main() {
	g := &globals{}
	root := newRootCommand(g)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch apierr.KindOf(err) {
	case apierr.KindInvalidArgs:
		return exitInvalidArgs
	case apierr.KindAccessDenied:
		return exitAccessDenied
	default:
		return exitFailed
	}
}

func newRootCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "splitplayctl",
		Short: "Control the splitplay privileged resource broker",
		Long: `splitplayctl calls the splitplay broker over its unix socket.

Every operation is authorized by polkit for the calling user.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&g.socket, "socket", rpc.DefaultSocketPath, "Broker socket path")
	cmd.PersistentFlags().BoolVar(&g.json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 5*time.Minute, "Overall call timeout")

	cmd.AddCommand(
		newDeviceCommand(g),
		newUserCommand(g),
		newRuntimeCommand(g),
		newInstanceCommand(g),
		newMountCommand(g),
		newFileCommand(g),
		newSteamIDCommand(g),
		newVersionCommand(g),
	)
	return cmd
}

// call runs fn with a connected client and prints its result.
func (g *globals) call(cmd *cobra.Command, fn func(ctx context.Context, c *rpc.Client) (any, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	defer cancel()

	c := rpc.NewClient(g.socket)
	defer c.Close()

	result, err := fn(ctx, c)
	if err != nil {
		return err
	}
	return g.print(result)
}

// print writes result for a human on a terminal and as JSON otherwise.
func (g *globals) print(result any) error {
	if g.json || !term.IsTerminal(int(os.Stdout.Fd())) {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{"result": result})
	}
	switch v := result.(type) {
	case bool:
		if v {
			fmt.Println("yes")
		} else {
			fmt.Println("no")
		}
	default:
		fmt.Println(v)
	}
	return nil
}
