package monitor

import (
	"context"
	"errors"

	"github.com/dd0wney/cluso-kv/pkg/rpc"
)

func (m *Monitor) registerHandlers(r *rpc.Router) {
	rpc.HandleFunc(r, MethodPing, func(_ context.Context, req *PeerPing) (PeerPing, error) {
		m.AddPeer(req.Addr)
		m.learnPeer(req.Addr, req.ID, req.HelloAddr, false)
		return m.selfPing(), nil
	})

	rpc.HandleFunc(r, MethodIsPrimaryDown, func(_ context.Context, req *IsPrimaryDownRequest) (IsPrimaryDownResponse, error) {
		ms, err := m.master(req.Master)
		if err != nil {
			return IsPrimaryDownResponse{}, wireError(err)
		}
		resp := IsPrimaryDownResponse{MonitorID: m.id, Down: m.primaryDown(ms, req.Addr)}
		if req.Candidate != "" {
			rec, _, err := m.CastVote(req.Master, req.Epoch, req.Candidate)
			if err != nil {
				return IsPrimaryDownResponse{}, wireError(err)
			}
			resp.Leader, resp.LeaderEpoch = rec.CandidateID, rec.Epoch
		}
		return resp, nil
	})

	rpc.HandleFunc(r, MethodAnnounce, func(_ context.Context, req *AnnounceRequest) (AnnounceResponse, error) {
		ms, err := m.master(req.Master)
		if err != nil {
			return AnnounceResponse{}, wireError(err)
		}
		adopted := m.switchMaster(ms, req.Addr, req.Epoch, "announced by "+req.From)
		ms.mu.Lock()
		epoch := ms.configEpoch
		ms.mu.Unlock()
		return AnnounceResponse{Adopted: adopted, ConfigEpoch: epoch}, nil
	})
}

// primaryDown reports whether addr is this monitor's primary for ms and it
// is not answering.
func (m *Monitor) primaryDown(ms *master, addr string) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if addr != ms.addr {
		return false
	}
	v, ok := ms.nodes[addr]
	return ok && v.Status.Down()
}

func wireError(err error) error {
	if errors.Is(err, ErrUnknownMaster) {
		return rpc.Errorf(rpc.CodeNotFound, "%v", err)
	}
	return err
}
