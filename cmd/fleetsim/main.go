// fleetsim emulates a multi-node overlay deployment on one host: N routing
// domains wired to the host through veth links, one overlay daemon per
// domain plus one on the host.
//
// Usage:
//
//	fleetsim -config fleet.yaml run    # bring up, hold until SIGINT, tear down
//	fleetsim -config fleet.yaml purge  # tear down leftovers, delete keys and logs
//
// While running, SIGUSR1 broadcasts a state-dump signal to every daemon and
// SIGUSR2 prints each daemon's admin API view.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/overlaylab/fleetsim/internal/config"
	"github.com/overlaylab/fleetsim/internal/fleet"
	"github.com/overlaylab/fleetsim/internal/supervisor"
	"github.com/overlaylab/fleetsim/pkg/network"
)

func main() {
	configPath := flag.String("config", "fleet.yaml", "path to the fleet config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	prov, err := network.NewNetlinkProvisioner()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	mgr, err := fleet.New(cfg, prov, supervisor.New(logger), logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx := context.Background()
	switch flag.Arg(0) {
	case "run":
		err = run(ctx, mgr)
	case "purge":
		err = purge(ctx, mgr)
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [-config file] run|purge\n", os.Args[0])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run brings the fleet up and holds it until interrupted, then tears it
// down. Per-node failures are printed but never abort the run; only an
// unsatisfiable request does.
func run(ctx context.Context, mgr *fleet.Manager) error {
	results, err := mgr.Up(ctx)
	if err != nil {
		return err
	}
	printResults("bring-up", results)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM, unix.SIGUSR1, unix.SIGUSR2)
	for sig := range sigs {
		switch sig {
		case unix.SIGUSR1:
			for _, o := range mgr.Broadcast(ctx) {
				if o.Err != nil {
					fmt.Printf("%s: %v\n", o.Scope, o.Err)
				}
			}
		case unix.SIGUSR2:
			printInspect(mgr.Inspect(ctx))
		default:
			printResults("tear-down", mgr.Down(ctx))
			return nil
		}
	}
	return nil
}

// purge tears down whatever a previous run left behind, then deletes the
// fleet's key material and logs.
func purge(ctx context.Context, mgr *fleet.Manager) error {
	printResults("tear-down", mgr.Down(ctx))
	results, err := mgr.Purge(ctx)
	if err != nil {
		return err
	}
	printResults("purge", results)
	return nil
}

func printResults(op string, results []fleet.NodeResult) {
	for _, r := range results {
		name := fmt.Sprintf("node %d", r.Index)
		if r.Index == fleet.HostIndex {
			name = "host"
		}
		if r.Err != nil {
			fmt.Printf("%s %s: %v\n", op, name, r.Err)
		} else {
			fmt.Printf("%s %s: ok\n", op, name)
		}
	}
}

func printInspect(infos []fleet.NodeInfo) {
	for _, info := range infos {
		if info.Err != nil {
			fmt.Printf("%s: %v\n", info.Scope, info.Err)
			continue
		}
		fmt.Printf("%s: subnet %s, %d peers\n", info.Scope, info.Subnet, len(info.Peers))
		for _, p := range info.Peers {
			fmt.Printf("  peer %s\n", p.Endpoint)
		}
	}
}
