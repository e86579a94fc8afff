package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/logging"
)

const maxVoteRecords = 64

// VoteLedger holds the votes one monitor cast for one master. Casting is a
// compare-and-set on the highest epoch voted, so at most one vote exists
// per epoch and epochs of cast votes strictly increase.
type VoteLedger struct {
	voter string

	mu      sync.Mutex
	last    VoteRecord
	records []VoteRecord
}

// NewVoteLedger returns an empty ledger for votes cast by voter.
func NewVoteLedger(voter string) *VoteLedger {
	return &VoteLedger{voter: voter}
}

// CastVote votes for candidate at epoch if nothing was voted at epoch or
// higher. Asking again for the vote already cast returns it as granted;
// any other request gets the standing vote and false.
func (l *VoteLedger) CastVote(epoch uint64, candidate string) (VoteRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case epoch > l.last.Epoch && candidate != "":
		l.last = VoteRecord{Epoch: epoch, VoterID: l.voter, CandidateID: candidate}
		l.records = append(l.records, l.last)
		if len(l.records) > maxVoteRecords {
			l.records = l.records[len(l.records)-maxVoteRecords:]
		}
		return l.last, true
	case epoch == l.last.Epoch && candidate == l.last.CandidateID && epoch > 0:
		return l.last, true
	default:
		return l.last, false
	}
}

// Highest returns the most recent vote, or the zero record.
func (l *VoteLedger) Highest() VoteRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Records returns the retained votes, oldest first.
func (l *VoteLedger) Records() []VoteRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]VoteRecord(nil), l.records...)
}

// CastVote handles a peer's vote request for master. Granting a vote to
// another monitor at a newer epoch abandons any election or unpromoted
// failover this monitor runs, and delays its next attempt.
func (m *Monitor) CastVote(masterName string, epoch uint64, candidate string) (VoteRecord, bool, error) {
	ms, err := m.master(masterName)
	if err != nil {
		return VoteRecord{}, false, err
	}

	ms.mu.Lock()
	rec, granted := ms.votes.CastVote(epoch, candidate)
	ms.currentEpoch = max(ms.currentEpoch, epoch)
	var cancelRun context.CancelCauseFunc
	if granted && candidate != m.id {
		ms.nextAttempt = time.Now().Add(retryDelay(ms.cfg.RetryDelay))
		if run := ms.failover; run != nil && !run.promoted && run.epoch < epoch {
			cancelRun = run.cancel
		}
	}
	ms.mu.Unlock()

	if cancelRun != nil {
		cancelRun(ErrLeadershipLost)
	}
	result := "refused"
	if granted {
		result = "granted"
		m.publish(masterName, events.VoteForLeader, candidate, epoch, "")
	}
	m.metrics.MonitorVotesTotal.WithLabelValues(masterName, result).Inc()
	return rec, granted, nil
}

type ballot struct {
	leader string
	epoch  uint64
	err    error
}

// ProposeSelf starts an election for master at the next epoch: it votes
// for itself and asks every known peer for its vote, piggybacked on the
// is-primary-down query. It returns the epoch and nil once enough votes
// arrived, or ErrElectionLost when the election timeout passes first.
func (m *Monitor) ProposeSelf(ctx context.Context, masterName string) (uint64, error) {
	ms, err := m.master(masterName)
	if err != nil {
		return 0, err
	}
	return m.proposeSelf(ctx, ms)
}

func (m *Monitor) proposeSelf(ctx context.Context, ms *master) (uint64, error) {
	name := ms.cfg.Name
	ms.mu.Lock()
	ms.currentEpoch = max(ms.currentEpoch, ms.votes.Highest().Epoch) + 1
	epoch := ms.currentEpoch
	_, granted := ms.votes.CastVote(epoch, m.id)
	addr := ms.addr
	ms.mu.Unlock()
	if !granted {
		return epoch, fmt.Errorf("%w: could not vote for self at epoch %d", ErrElectionLost, epoch)
	}

	m.publish(name, events.NewEpoch, "", epoch, "")
	m.publish(name, events.TryFailover, addr, epoch, "")

	peers := m.peerAddrs()
	need := requiredVotes(ms.cfg.Quorum, len(peers)+1)
	votes := 1

	ctx, cancel := context.WithTimeout(ctx, ms.cfg.ElectionTimeout)
	defer cancel()

	ballots := make(chan ballot, len(peers))
	for _, p := range peers {
		go func() {
			resp, err := m.peerRPC.IsPrimaryDown(ctx, p, IsPrimaryDownRequest{
				Master:    name,
				Addr:      addr,
				Epoch:     epoch,
				Candidate: m.id,
				From:      m.id,
			})
			ballots <- ballot{leader: resp.Leader, epoch: resp.LeaderEpoch, err: err}
		}()
	}

	timer := logging.StartTimer(m.logger, "election", logging.Master(name), logging.Epoch(epoch))
	pending := len(peers)
collect:
	for votes < need && pending > 0 {
		select {
		case <-ctx.Done():
			break collect
		case b := <-ballots:
			pending--
			switch {
			case b.err != nil:
				m.logger.Debug("vote request failed", logging.Master(name), logging.Error(b.err))
			case b.leader == m.id && b.epoch == epoch:
				votes++
			case b.epoch > epoch:
				m.observeEpoch(ms, b.epoch)
			}
		}
	}

	if votes >= need {
		timer.End(logging.Int("votes", votes), logging.Int("needed", need))
		m.metrics.MonitorElectionsTotal.WithLabelValues(name, "won").Inc()
		m.publish(name, events.ElectedLeader, m.id, epoch, fmt.Sprintf("votes %d/%d", votes, need))
		return epoch, nil
	}

	result := "lost"
	if ctx.Err() != nil {
		result = "timeout"
	}
	err := fmt.Errorf("%w: %d of %d votes at epoch %d", ErrElectionLost, votes, need, epoch)
	timer.EndError(err)
	m.metrics.MonitorElectionsTotal.WithLabelValues(name, result).Inc()
	return epoch, err
}

// observeEpoch raises the current epoch after a peer reported a newer one.
func (m *Monitor) observeEpoch(ms *master, epoch uint64) {
	ms.mu.Lock()
	ms.currentEpoch = max(ms.currentEpoch, epoch)
	ms.mu.Unlock()
}
