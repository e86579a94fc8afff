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

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/monitor"
	"github.com/dd0wney/cluso-kv/pkg/node"
	"github.com/dd0wney/cluso-kv/pkg/rpc"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00FFFF")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

func render(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		String()
}

func statusText(s monitor.Status) string {
	switch s {
	case monitor.StatusUp:
		return okStyle.Render(s.String())
	case monitor.StatusSubjectivelyDown:
		return warnStyle.Render(s.String())
	default:
		return errorStyle.Render(s.String())
	}
}

func conditionText(c monitor.Condition) string {
	switch c {
	case monitor.ConditionOK:
		return okStyle.Render(string(c))
	case monitor.ConditionNoFailover:
		return errorStyle.Render(string(c))
	default:
		return warnStyle.Render(string(c))
	}
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Truncate(time.Millisecond).String()
}

func masterRow(v monitor.MasterView) []string {
	return []string{
		v.Name,
		v.Addr,
		statusText(v.Status),
		strconv.FormatUint(v.ConfigEpoch, 10),
		strconv.Itoa(v.Replicas),
		strconv.Itoa(v.Monitors),
		strconv.Itoa(v.Quorum),
		string(v.FailoverState),
		conditionText(v.Condition),
	}
}

var masterHeaders = []string{"NAME", "PRIMARY", "STATUS", "EPOCH", "REPLICAS", "MONITORS", "QUORUM", "FAILOVER", "CONDITION"}

func (a *app) masters(ctx context.Context) error {
	views, err := a.monitor.Masters(ctx)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, masterRow(v))
	}
	fmt.Println(render(masterHeaders, rows))
	return nil
}

func (a *app) master(ctx context.Context, name string) error {
	v, err := a.monitor.Master(ctx, name)
	if err != nil {
		return err
	}
	fmt.Println(render(masterHeaders, [][]string{masterRow(v)}))
	if v.FailoverError != "" {
		fmt.Println(warnStyle.Render("last failover aborted: " + v.FailoverError))
	}
	if v.Leader != "" {
		fmt.Println(dimStyle.Render(fmt.Sprintf("last vote: %s at epoch %d", v.Leader, v.LeaderEpoch)))
	}
	return nil
}

func replicaRows(views []monitor.NodeView) [][]string {
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		link := "down"
		if v.LinkUp {
			link = "up"
		}
		rows = append(rows, []string{
			v.Addr,
			v.NodeID,
			string(v.Role),
			statusText(v.Status),
			strconv.FormatUint(v.Offset, 10),
			strconv.FormatUint(v.Lag, 10),
			link,
			strconv.Itoa(v.Priority),
			ago(v.LastReply),
		})
	}
	return rows
}

var replicaHeaders = []string{"ADDR", "ID", "ROLE", "STATUS", "OFFSET", "LAG", "LINK", "PRIORITY", "LAST REPLY"}

func (a *app) replicas(ctx context.Context, name string) error {
	views, err := a.monitor.Replicas(ctx, name)
	if err != nil {
		return err
	}
	fmt.Println(render(replicaHeaders, replicaRows(views)))
	return nil
}

func (a *app) monitors(ctx context.Context, name string) error {
	views, err := a.monitor.Monitors(ctx, name)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{v.Addr, v.ID, v.HelloAddr, ago(v.LastReply), ago(v.LastHello)})
	}
	fmt.Println(render([]string{"ADDR", "ID", "HELLO", "LAST REPLY", "LAST HELLO"}, rows))
	return nil
}

func (a *app) addr(ctx context.Context, name string) error {
	addr, err := a.monitor.GetMasterAddrByName(ctx, name)
	if err != nil {
		return err
	}
	fmt.Printf("%s (epoch %d)\n", addr.Addr, addr.Epoch)
	return nil
}

func (a *app) ckquorum(ctx context.Context, name string) error {
	r, err := a.monitor.CKQuorum(ctx, name)
	if r.Message != "" {
		if r.OK {
			fmt.Println(okStyle.Render(r.Message))
		} else {
			fmt.Println(errorStyle.Render(r.Message))
		}
	}
	return err
}

func (a *app) failover(ctx context.Context, name string) error {
	if err := a.monitor.Failover(ctx, name); err != nil {
		return err
	}
	fmt.Println(okStyle.Render("failover started for " + name))
	return nil
}

func (a *app) events(ctx context.Context, name string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := a.monitor.Events(ctx, name, 0, func(e events.Event) error {
		fmt.Printf("%s %s\n", dimStyle.Render(e.Time.Format(time.RFC3339Nano)), e.String())
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// key runs a key command against the primary the monitor reports. A
// secondary answering with a redirect is followed once, which covers a
// failover that happened between the lookup and the call.
func (a *app) key(ctx context.Context, cmd, name string, args []string) error {
	addr, err := a.monitor.GetMasterAddrByName(ctx, name)
	if err != nil {
		return err
	}
	target := addr.Addr
	for attempt := 0; ; attempt++ {
		err = a.keyOnce(ctx, cmd, target, args)
		var re *rpc.Error
		if attempt == 0 && errors.As(err, &re) && re.Code == rpc.CodeReadOnly && re.Primary != "" {
			target = re.Primary
			continue
		}
		return err
	}
}

func (a *app) keyOnce(ctx context.Context, cmd, addr string, args []string) error {
	var (
		resp node.WriteResponse
		err  error
	)
	switch cmd {
	case "get":
		got, err := a.nodes.Get(ctx, addr, args[0])
		if err != nil {
			return err
		}
		if !got.Found {
			fmt.Println(dimStyle.Render("(nil)"))
			return nil
		}
		fmt.Println(got.Value)
		return nil
	case "set":
		resp, err = a.nodes.Set(ctx, addr, args[0], args[1])
	case "del":
		resp, err = a.nodes.Del(ctx, addr, args[0])
	case "incr":
		delta := int64(1)
		if len(args) > 1 {
			if delta, err = strconv.ParseInt(args[1], 10, 64); err != nil {
				return fmt.Errorf("invalid delta %q", args[1])
			}
		}
		resp, err = a.nodes.IncrBy(ctx, addr, args[0], delta)
	}
	if err != nil {
		return err
	}
	fmt.Println(formatWrite(resp))
	return nil
}

func formatWrite(r node.WriteResponse) string {
	out := fmt.Sprintf("OK offset=%d", r.Offset)
	if r.Value != "" {
		out = r.Value + " " + dimStyle.Render(out)
	}
	return out
}
