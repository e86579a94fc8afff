// Command kvctl queries monitors and reads or writes keys through the
// primary they report.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/auth"
	"github.com/dd0wney/cluso-kv/pkg/monitor"
	"github.com/dd0wney/cluso-kv/pkg/node"
	"github.com/dd0wney/cluso-kv/pkg/rpc"
)

const usage = `usage: kvctl [flags] <command> [args]

monitor commands:
  masters                 list monitored masters
  master NAME             show one master
  replicas NAME           list the secondaries of a master
  monitors NAME           list peer monitors
  addr NAME               print the current primary address
  ckquorum NAME           check that failover is possible
  failover NAME           force a failover
  events [NAME]           stream monitor events
  watch NAME              live view of a master

key commands (routed to the current primary):
  get NAME KEY
  set NAME KEY VALUE
  del NAME KEY
  incr NAME KEY [DELTA]

flags:
`

type app struct {
	monitor *monitor.QueryClient
	nodes   *node.Client
	timeout time.Duration
}

func main() {
	monitorAddr := flag.String("monitor", "127.0.0.1:26380", "Monitor HTTP address")
	timeout := flag.Duration("timeout", 3*time.Second, "Request timeout")
	secret := flag.String("secret", os.Getenv("CLUSOKV_SECRET"), "Shared secret for node RPC")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var issuer rpc.TokenIssuer
	if *secret != "" {
		a, err := auth.New(*secret, "kvctl", 0)
		if err != nil {
			fail(err)
		}
		issuer = a
	}
	a := &app{
		monitor: monitor.NewQueryClient(*monitorAddr, *timeout),
		nodes:   node.NewClient(*timeout, issuer),
		timeout: *timeout,
	}
	if err := a.run(context.Background(), flag.Arg(0), flag.Args()[1:]); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
	os.Exit(1)
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s needs %d argument(s), see -h", cmd, n)
		}
		return nil
	}
	switch cmd {
	case "masters":
		return a.masters(ctx)
	case "master", "replicas", "monitors", "addr", "ckquorum", "failover", "watch":
		if err := need(1); err != nil {
			return err
		}
	case "events":
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		return a.events(ctx, name)
	case "get", "del":
		if err := need(2); err != nil {
			return err
		}
	case "set":
		if err := need(3); err != nil {
			return err
		}
	case "incr":
		if err := need(2); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown command %q, see -h", cmd)
	}

	name := args[0]
	switch cmd {
	case "master":
		return a.master(ctx, name)
	case "replicas":
		return a.replicas(ctx, name)
	case "monitors":
		return a.monitors(ctx, name)
	case "addr":
		return a.addr(ctx, name)
	case "ckquorum":
		return a.ckquorum(ctx, name)
	case "failover":
		return a.failover(ctx, name)
	case "watch":
		return a.watch(name)
	default:
		return a.key(ctx, cmd, name, args[1:])
	}
}
