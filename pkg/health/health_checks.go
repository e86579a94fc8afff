package health

import (
	"fmt"
	"time"
)

// ReplicationState is a snapshot of a node's replication side.
type ReplicationState struct {
	Role      string
	LinkUp    bool
	Lag       uint64
	LastIO    time.Time
	Replicas  int
	HasTarget bool
}

// ReplicationCheck reports a secondary without a live link as unhealthy and
// one lagging beyond maxLag as degraded. Primaries are always healthy.
func ReplicationCheck(maxLag uint64, state func() ReplicationState) CheckFunc {
	return func() Check {
		st := state()
		check := Check{
			Name: "replication",
			Details: map[string]any{
				"role":     st.Role,
				"link_up":  st.LinkUp,
				"lag":      st.Lag,
				"replicas": st.Replicas,
			},
		}
		switch {
		case st.Role == "primary":
			check.Status = StatusHealthy
			check.Message = fmt.Sprintf("primary with %d replicas", st.Replicas)
		case !st.HasTarget:
			check.Status = StatusDegraded
			check.Message = "secondary without a primary"
		case !st.LinkUp:
			check.Status = StatusUnhealthy
			check.Message = "not connected to primary"
		case st.Lag > maxLag:
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("replication lag %d exceeds %d", st.Lag, maxLag)
		default:
			check.Status = StatusHealthy
			check.Message = "replication healthy"
		}
		return check
	}
}

// QuorumCheck reports whether a monitor can reach enough peers to authorize
// a failover for each master it watches.
func QuorumCheck(state func() map[string]error) CheckFunc {
	return func() Check {
		check := Check{Name: "quorum", Status: StatusHealthy, Details: map[string]any{}}
		failing := 0
		for master, err := range state() {
			if err != nil {
				check.Details[master] = err.Error()
				failing++
				continue
			}
			check.Details[master] = "ok"
		}
		if failing > 0 {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("no failover possible for %d masters", failing)
		}
		return check
	}
}

// PingCheck wraps a simple error-returning function.
func PingCheck(name string, ping func() error) CheckFunc {
	return func() Check {
		if err := ping(); err != nil {
			return Check{Name: name, Status: StatusUnhealthy, Message: err.Error()}
		}
		return Check{Name: name, Status: StatusHealthy}
	}
}
