package node

import (
	"context"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/rpc"
	"github.com/dd0wney/cluso-kv/pkg/validation"
)

func (n *Node) registerHandlers(r *rpc.Router) {
	rpc.HandleFunc(r, MethodPing, func(_ context.Context, req *PingRequest) (PingResponse, error) {
		if req.Epoch > 0 {
			n.ObserveEpoch(req.Epoch, "monitor:"+req.From)
		}
		role := n.Role()
		return PingResponse{
			NodeID: n.id,
			RunID:  n.runID,
			Role:   role.Kind(),
			Epoch:  role.RoleEpoch(),
			Offset: n.stream.Offset(),
			Time:   time.Now(),
		}, nil
	})

	rpc.HandleFunc(r, MethodInfo, func(_ context.Context, _ *struct{}) (Info, error) {
		return n.Info(), nil
	})

	rpc.HandleFunc(r, MethodPromote, func(_ context.Context, req *PromoteRequest) (PromoteResponse, error) {
		return n.Promote(*req)
	})

	rpc.HandleFunc(r, MethodReplicaOf, func(ctx context.Context, req *ReplicaOfRequest) (ReplicaOfResponse, error) {
		return n.ReplicaOf(ctx, *req)
	})

	rpc.HandleFunc(r, MethodFence, func(_ context.Context, req *FenceRequest) (FenceResponse, error) {
		if req.Epoch == 0 {
			return FenceResponse{}, rpc.Errorf(rpc.CodeBadRequest, "fence requires an epoch")
		}
		return n.Fence(*req), nil
	})

	rpc.HandleFunc(r, MethodGet, func(_ context.Context, req *GetRequest) (GetResponse, error) {
		if err := validation.Struct(req); err != nil {
			return GetResponse{}, rpc.Errorf(rpc.CodeBadRequest, "%v", err)
		}
		v, ok := n.Get(req.Key)
		return GetResponse{Value: v, Found: ok}, nil
	})

	rpc.HandleFunc(r, MethodSet, func(_ context.Context, req *SetRequest) (WriteResponse, error) {
		if err := validation.Struct(req); err != nil {
			return WriteResponse{}, rpc.Errorf(rpc.CodeBadRequest, "%v", err)
		}
		return n.Set(req.Key, req.Value, req.Epoch)
	})

	rpc.HandleFunc(r, MethodDel, func(_ context.Context, req *DelRequest) (WriteResponse, error) {
		if err := validation.Struct(req); err != nil {
			return WriteResponse{}, rpc.Errorf(rpc.CodeBadRequest, "%v", err)
		}
		return n.Del(req.Key, req.Epoch)
	})

	rpc.HandleFunc(r, MethodIncrBy, func(_ context.Context, req *IncrByRequest) (WriteResponse, error) {
		if err := validation.Struct(req); err != nil {
			return WriteResponse{}, rpc.Errorf(rpc.CodeBadRequest, "%v", err)
		}
		return n.IncrBy(req.Key, req.Delta, req.Epoch)
	})
}
