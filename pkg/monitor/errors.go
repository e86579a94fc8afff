package monitor

import "errors"

var (
	ErrUnknownMaster      = errors.New("unknown master")
	ErrFailoverInProgress = errors.New("failover already in progress")
	ErrNoQuorum           = errors.New("not enough reachable monitors to reach quorum")
	ErrNoMajority         = errors.New("not enough reachable monitors to authorize a failover")
	ErrElectionLost       = errors.New("election lost")
	ErrNoCandidate        = errors.New("no suitable secondary")
	ErrPrimaryUp          = errors.New("primary is up again")
	ErrLeadershipLost     = errors.New("voted for a newer leader")
	ErrSuperseded         = errors.New("newer configuration adopted")
	ErrPromoteUnconfirmed = errors.New("promotion neither confirmed nor fenced")
	ErrStaleEpoch         = errors.New("candidate has seen a newer epoch")
)
