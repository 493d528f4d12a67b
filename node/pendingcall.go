package node

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/xiaonanln/goreplica/codec"
	rerrors "github.com/xiaonanln/goreplica/util/errors"
	"github.com/xiaonanln/goreplica/util/metrics"
)

// CallStatus is the lifecycle of a PendingCall.
type CallStatus int32

const (
	CallPending CallStatus = iota
	CallFinished
	CallFailed
	CallTimedOut
)

func (s CallStatus) String() string {
	switch s {
	case CallPending:
		return "Pending"
	case CallFinished:
		return "Finished"
	case CallFailed:
		return "Failed"
	case CallTimedOut:
		return "TimedOut"
	}
	return fmt.Sprintf("CallStatus(%d)", int32(s))
}

// PendingCall is the eventual result of Replica.Invoke. It resolves exactly
// once: with the reply, with an error, or by timing out.
type PendingCall struct {
	method  string
	status  atomic.Int32
	settled atomic.Bool
	done    chan struct{}

	value any
	err   error
	reply codec.Reply

	// Owned by the event loop.
	replica    *Replica
	link       *link
	callID     uint64
	sent       bool
	returnType codec.Type
	timer      *time.Timer
	registered bool
}

func newPendingCall(r *Replica, method string) *PendingCall {
	return &PendingCall{method: method, replica: r, done: make(chan struct{})}
}

// Method names the invoked method.
func (pc *PendingCall) Method() string { return pc.method }

// Status returns the current status.
func (pc *PendingCall) Status() CallStatus { return CallStatus(pc.status.Load()) }

// Done is closed once the call resolved.
func (pc *PendingCall) Done() <-chan struct{} { return pc.done }

// Wait blocks until the call resolves or ctx is done.
func (pc *PendingCall) Wait(ctx context.Context) (any, error) {
	select {
	case <-pc.done:
		return pc.value, pc.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking. Before resolution it returns
// (nil, nil).
func (pc *PendingCall) Result() (any, error) {
	select {
	case <-pc.done:
		return pc.value, pc.err
	default:
		return nil, nil
	}
}

// Reply returns the outcome in wire form, for relaying it unchanged.
func (pc *PendingCall) Reply() codec.Reply {
	select {
	case <-pc.done:
		return pc.reply
	default:
		return codec.Reply{}
	}
}

// settle resolves the call. Only the first caller wins.
func (pc *PendingCall) settle(status CallStatus, value any, err error, reply codec.Reply) bool {
	if !pc.settled.CompareAndSwap(false, true) {
		return false
	}
	pc.value, pc.err, pc.reply = value, err, reply
	if pc.timer != nil {
		pc.timer.Stop()
	}
	pc.status.Store(int32(status))
	close(pc.done)
	if pc.registered {
		delete(pc.replica.inflight, pc)
	}
	return true
}

func (pc *PendingCall) fail(status CallStatus, err error) bool {
	reply := codec.Reply{CallID: pc.callID, ErrKind: string(rerrors.KindOf(err)), ErrMsg: err.Error()}
	if reply.ErrKind == "" {
		reply.ErrKind = string(rerrors.KindRemoteError)
	}
	return pc.settle(status, nil, err, reply)
}

// finishReply resolves the call with a reply from the source.
func (pc *PendingCall) finishReply(reply codec.Reply) {
	if !reply.OK {
		kind := rerrors.Kind(reply.ErrKind)
		if kind == "" {
			kind = rerrors.KindRemoteError
		}
		pc.settle(CallFailed, nil, &rerrors.Error{Kind: kind, Op: pc.method, Detail: reply.ErrMsg}, reply)
		return
	}

	var value any
	if pc.replica != nil && pc.replica.schema != nil && !pc.returnType.IsVoid() {
		v, err := codec.DecodeValue(reply.Value, pc.returnType, pc.replica.schema.Records())
		if err != nil {
			pc.settle(CallFailed, nil, err, reply)
			return
		}
		value = v
	}
	pc.settle(CallFinished, value, nil, reply)
}

// timedOut runs on the event loop when the call's timer fires.
func (pc *PendingCall) timedOut(timeout time.Duration) {
	if pc.link != nil {
		delete(pc.link.calls, pc.callID)
	}
	if !pc.sent {
		pc.fail(CallFailed, rerrors.New(rerrors.KindNoConnection, pc.method, "source not available within %v", timeout))
		return
	}
	if pc.fail(CallTimedOut, rerrors.New(rerrors.KindTimeout, pc.method, "no reply within %v", timeout)) && pc.replica != nil {
		metrics.RecordCallTimeout(pc.replica.node.id, pc.replica.typeName())
	}
}
