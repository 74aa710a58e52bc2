// Command fulcrumctl is the operator console over a running fleet
// (§6's CLI surface): `inspect servers`, `inspect proxies`, `broadcast
// <msg>`, and an interactive `stop|exit|quit` shell. Cobra command
// wiring and the `service(cmd, flags)`-style shared setup are
// grounded on the pack's cmd/ployz console (status.go et al.); the
// colorized status rendering follows that same console's ui package,
// reimplemented locally against the lipgloss version this module
// pins.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/fulcrum-net/fulcrum/internal/bus"
	"github.com/fulcrum-net/fulcrum/internal/control"
	"github.com/fulcrum-net/fulcrum/internal/envelope"
	"github.com/fulcrum-net/fulcrum/internal/inspector"
	"github.com/fulcrum-net/fulcrum/internal/registry"
	"github.com/fulcrum-net/fulcrum/internal/wire"
	"github.com/rs/zerolog"
)

var (
	redisAddr string
	redisPass string
	redisDB   int
	namespace string
)

func main() {
	root := &cobra.Command{
		Use:   "fulcrumctl",
		Short: "Operator console for the fleet coordination core",
	}
	root.PersistentFlags().StringVar(&redisAddr, "redis-address", "127.0.0.1:6379", "redis address")
	root.PersistentFlags().StringVar(&redisPass, "redis-password", "", "redis password")
	root.PersistentFlags().IntVar(&redisDB, "redis-db", 0, "redis database")
	root.PersistentFlags().StringVar(&namespace, "namespace", "", "registry key namespace")

	root.AddCommand(inspectCmd(), broadcastCmd(), consoleCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func newStore() *registry.Store {
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, Password: redisPass, DB: redisDB})
	return registry.New(rdb, namespace, zerolog.Nop())
}

func newBus() *bus.Bus {
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, Password: redisPass, DB: redisDB})
	codec := envelope.NewCodec()
	wire.RegisterSchemas(codec)
	return bus.New(rdb, codec, "fulcrumctl", zerolog.Nop())
}

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect live fleet state",
	}
	cmd.AddCommand(inspectServersCmd(), inspectProxiesCmd())
	return cmd
}

func inspectServersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List backend servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			insp := inspector.New(newStore())
			views, err := insp.ListServers(cmd.Context())
			if err != nil {
				return err
			}
			if len(views) == 0 {
				fmt.Println(labelStyle.Render("no servers registered"))
				return nil
			}
			for _, v := range views {
				fmt.Printf("%s  %-20s %s  players=%d/%d  role=%s\n",
					accentStyle.Render(v.ID), v.Address, statusColor(string(v.Status)),
					v.PlayerCount, v.MaxCapacity, v.Role)
			}
			return nil
		},
	}
}

func inspectProxiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proxies",
		Short: "List edge proxies",
		RunE: func(cmd *cobra.Command, args []string) error {
			insp := inspector.New(newStore())
			views, err := insp.ListProxies(cmd.Context())
			if err != nil {
				return err
			}
			if len(views) == 0 {
				fmt.Println(labelStyle.Render("no proxies registered"))
				return nil
			}
			for _, v := range views {
				fmt.Printf("%s  %-20s %s  role=%s\n",
					accentStyle.Render(v.ID), v.Address, statusColor(string(v.Status)), v.Role)
			}
			return nil
		},
	}
}

func broadcastCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "broadcast <message>",
		Short: "Forward a message to the fleet's chat/messaging subsystem",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b := newBus()
			defer b.Close()
			msg := strings.Join(args, " ")
			err := b.Broadcast(control.TypeBroadcast, control.BroadcastCommand{Target: target, Message: msg})
			if err != nil {
				return err
			}
			fmt.Println(okStyle.Render("broadcast sent"))
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "restrict the broadcast to a single identity id")
	return cmd
}

// consoleCmd runs the interactive shell named in §6: stop|exit|quit,
// inspect servers, inspect proxies, broadcast <msg>. Exit code 0 on
// graceful shutdown, 1 on error during shutdown.
func consoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interactive operator shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd.Context())
		},
	}
}

func runConsole(ctx context.Context) error {
	store := newStore()
	insp := inspector.New(store)
	b := newBus()
	defer func() {
		if err := b.Close(); err != nil {
			fmt.Fprintln(os.Stderr, errStyle.Render(err.Error()))
		}
	}()

	fmt.Println(accentStyle.Render("fulcrumctl console — type 'help' for commands"))
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)

		switch fields[0] {
		case "stop", "exit", "quit":
			fmt.Println(okStyle.Render("goodbye"))
			return nil
		case "help":
			fmt.Println("commands: inspect servers | inspect proxies | broadcast <msg> | stop|exit|quit")
		case "inspect":
			if len(fields) < 2 {
				fmt.Println(errStyle.Render("usage: inspect servers|proxies"))
				continue
			}
			runInspectConsole(ctx, insp, fields[1])
		case "broadcast":
			if len(fields) < 2 {
				fmt.Println(errStyle.Render("usage: broadcast <message>"))
				continue
			}
			msg := strings.Join(fields[1:], " ")
			if err := b.Broadcast(control.TypeBroadcast, control.BroadcastCommand{Message: msg}); err != nil {
				fmt.Println(errStyle.Render(err.Error()))
				continue
			}
			fmt.Println(okStyle.Render("broadcast sent"))
		default:
			fmt.Println(errStyle.Render("unknown command: " + fields[0]))
		}
	}
}

func runInspectConsole(ctx context.Context, insp *inspector.Inspector, kind string) {
	deadline, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch kind {
	case "servers":
		views, err := insp.ListServers(deadline)
		if err != nil {
			fmt.Println(errStyle.Render(err.Error()))
			return
		}
		for _, v := range views {
			fmt.Printf("%s  %s  players=%d/%d\n", accentStyle.Render(v.ID), statusColor(string(v.Status)), v.PlayerCount, v.MaxCapacity)
		}
	case "proxies":
		views, err := insp.ListProxies(deadline)
		if err != nil {
			fmt.Println(errStyle.Render(err.Error()))
			return
		}
		for _, v := range views {
			fmt.Printf("%s  %s\n", accentStyle.Render(v.ID), statusColor(string(v.Status)))
		}
	default:
		fmt.Println(errStyle.Render("usage: inspect servers|proxies"))
	}
}
