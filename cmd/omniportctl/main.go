// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command omniportctl inspects and controls a running OmniPort service
// through its admin API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/threefour/omniport/pkg/admin"
	"github.com/threefour/omniport/pkg/engine"
	"github.com/threefour/omniport/pkg/registry"
)

const defaultAddr = "localhost:8080"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	addr := os.Getenv("OMNIPORT_ADMIN_ADDR")
	switch {
	case addr == "":
		addr = defaultAddr
	case strings.HasPrefix(addr, ":"):
		addr = "localhost" + addr
	}

	root := &cobra.Command{
		Use:          "omniportctl",
		Short:        "Inspect and control a running OmniPort service",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.SetErr(out)
	root.PersistentFlags().StringVar(&addr, "addr", addr, "admin API address")

	client := func() *admin.Client {
		return admin.NewClient(addr)
	}

	root.AddCommand(
		newStatusCommand(client),
		newConnectionsCommand(client),
		newBlockCommand(client, true),
		newBlockCommand(client, false),
		newEventsCommand(client),
	)
	return root
}

func newStatusCommand(client func() *admin.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show front ports, their status and the connection load",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client().Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newConnectionsCommand(client func() *admin.Client) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List active connections grouped by front port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conns, err := client().Connections(cmd.Context(), port)
			if err != nil {
				return err
			}
			printConnections(cmd.OutOrStdout(), conns)
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "only list connections of this front port")
	return cmd
}

func newBlockCommand(client func() *admin.Client, block bool) *cobra.Command {
	use, short := "unblock <port>", "Accept new connections on a front port again"
	if block {
		use, short = "block <port>", "Refuse new connections on a front port"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid port number: %s", args[0])
			}

			c := client()
			var st admin.PortState
			if block {
				st, err = c.Block(cmd.Context(), port)
			} else {
				st, err = c.Unblock(cmd.Context(), port)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Port %d is now %s\n", st.Port, portState(st.Blocked))
			return nil
		},
	}
}

func newEventsCommand(client func() *admin.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Follow connect and disconnect events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			err := client().Events(cmd.Context(), func(ev admin.Event) error {
				c := ev.Connection
				fmt.Fprintf(out, "%s %-10s :%d %s (%s)\n",
					ev.Time.Local().Format(time.TimeOnly), ev.Type, c.FrontPort, c.RemoteAddress, c.ID)
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func printStatus(w io.Writer, st engine.Status) {
	fmt.Fprintln(w, "OmniPort status")
	fmt.Fprintln(w, "Ports:")
	if len(st.FrontPorts) == 0 {
		fmt.Fprintln(w, "  none")
	}
	for _, p := range st.FrontPorts {
		fmt.Fprintf(w, "  %d  %s\n", p, portState(st.Blocked[p]))
	}
	fmt.Fprintf(w, "Connections: %d/%d\n", st.LiveConnections, st.MaxConnections)
	fmt.Fprintf(w, "Backend port: %d\n", st.BackendPort)
	fmt.Fprintf(w, "Timeout: %dms\n", st.TimeoutMs)
	if !st.Running {
		fmt.Fprintln(w, "Engine: stopped")
	}
}

func printConnections(w io.Writer, conns []engine.ConnectionInfo) {
	if len(conns) == 0 {
		fmt.Fprintln(w, "No active connections")
		return
	}

	byPort := make(map[int][]engine.ConnectionInfo)
	for _, c := range conns {
		byPort[c.FrontPort] = append(byPort[c.FrontPort], c)
	}
	ports := make([]int, 0, len(byPort))
	for p := range byPort {
		ports = append(ports, p)
	}
	sort.Ints(ports)

	fmt.Fprintf(w, "Active connections: %d\n", len(conns))
	for _, p := range ports {
		fmt.Fprintf(w, "Port %d (%d)\n", p, len(byPort[p]))
		for _, c := range byPort[p] {
			who := c.RemoteAddress
			if c.ClientInfo != "" {
				who += " " + c.ClientInfo
			}
			fmt.Fprintf(w, "  %s  connected %s  %s\n", who, c.ConnectTime,
				registry.FormatDuration(time.Duration(c.DurationSeconds)*time.Second))
		}
	}
}

func portState(blocked bool) string {
	if blocked {
		return "blocked"
	}
	return "open"
}
