package rpc

import "github.com/anchor-go/anchor/internal/pool"

// Loopback drives a Pool directly, in-process, as Conn. It stands in for
// the real network transport in cmd/anchor-server and cmd/anchor-client
// and in every test that exercises the client/server contract without a
// socket.
type Loopback struct {
	pool *pool.Pool
}

// NewLoopback wraps an already-open pool as a Conn.
func NewLoopback(p *pool.Pool) *Loopback {
	return &Loopback{pool: p}
}

func (l *Loopback) Do(req Request) (Response, error) {
	switch req.Op {
	case OpGet:
		v, err := l.pool.Read(req.Offset)
		if err != nil {
			return Response{}, err
		}

		return Response{Offset: req.Offset, Value: v}, nil

	case OpPut:
		if err := l.pool.Write(req.Offset, req.Value); err != nil {
			return Response{}, err
		}

		return Response{Offset: req.Offset}, nil

	case OpAlloc:
		obj, err := l.pool.Alloc(req.Size)
		if err != nil {
			return Response{}, err
		}

		return Response{Offset: obj.Offset}, nil

	case OpFree:
		if err := l.pool.Free(req.Offset, req.Size); err != nil {
			return Response{}, err
		}

		return Response{Offset: req.Offset}, nil

	default:
		return Response{}, unknownOp(req.Op)
	}
}
