package nvmf

import "github.com/npeterson-io/nvmf-rdma/internal/verbs"

// PollResult is the outcome of one conn_poll tick.
type PollResult struct {
	// ExecutorInvocations is the number of times the executor was
	// invoked during this tick.
	ExecutorInvocations int
	// Fatal is true if the queue pair hit a transport-fatal
	// condition and was destroyed during this tick.
	Fatal bool
}

const sendCQBatch = 32
const recvCQBatch = 32

// ConnPoll drains the queue pair's Send and Recv completion queues
// and dispatches each work completion into the request state machine,
// per §4.D. It never blocks.
func ConnPoll(q *QueuePair) PollResult {
	if q.destroyed {
		return PollResult{Fatal: true}
	}

	startTick := q.execTick

	if fatal := drainSendCQ(q); fatal {
		return PollResult{ExecutorInvocations: int(q.execTick - startTick), Fatal: true}
	}
	if fatal := drainRecvCQ(q); fatal {
		return PollResult{ExecutorInvocations: int(q.execTick - startTick), Fatal: true}
	}

	return PollResult{ExecutorInvocations: int(q.execTick - startTick)}
}

// drainSendCQ has no cap: every completion it observes either
// advances or terminates a request, per §4.D.1.
func drainSendCQ(q *QueuePair) (fatal bool) {
	buf := make([]verbs.WorkCompletion, sendCQBatch)
	for {
		n, err := q.qp.PollSendCQ(buf)
		if err != nil {
			q.failFatalf("POLL_SEND_CQ", err)
			return true
		}
		if n == 0 {
			return false
		}
		for _, wc := range buf[:n] {
			if wc.Status != verbs.WCStatusSuccess {
				q.failFatalf("SEND_CQ", NewQPError("SEND_CQ", q.id, ErrCodeFatalCompletion, "non-success completion status"))
				return true
			}
			switch wc.Opcode {
			case verbs.WCSend:
				slot := wrIDSlot(wc.WRID)
				q.requests[slot].onSendComplete()
			case verbs.WCRDMAWrite:
				slot := wrIDSlot(wc.WRID)
				q.requests[slot].onRDMAWriteComplete()
			case verbs.WCRDMARead:
				slot := wrIDSlot(wc.WRID)
				q.requests[slot].onRDMAReadComplete()
			default:
				q.failFatalf("SEND_CQ", NewQPError("SEND_CQ", q.id, ErrCodeUnexpectedOpcode, "unexpected opcode on send completion queue"))
				return true
			}
		}
		if n < sendCQBatch {
			return false
		}
	}
}

// drainRecvCQ is capped so that never more than
// max_queue_depth - cur_queue_depth completions are consumed in a
// single pass, per §4.D.2.
func drainRecvCQ(q *QueuePair) (fatal bool) {
	budget := int(q.maxQueueDepth - q.curQueueDepth)
	if budget <= 0 {
		return false
	}
	buf := make([]verbs.WorkCompletion, budget)
	n, err := q.qp.PollRecvCQ(buf)
	if err != nil {
		q.failFatalf("POLL_RECV_CQ", err)
		return true
	}
	for _, wc := range buf[:n] {
		if wc.Opcode != verbs.WCRecv {
			q.failFatalf("RECV_CQ", NewQPError("RECV_CQ", q.id, ErrCodeUnexpectedOpcode, "unexpected opcode on receive completion queue"))
			return true
		}
		if wc.Status != verbs.WCStatusSuccess {
			q.failFatalf("RECV_CQ", NewQPError("RECV_CQ", q.id, ErrCodeFatalCompletion, "non-success completion status"))
			return true
		}
		if wc.ByteLen < wireCmdSize {
			q.failFatalf("RECV_CQ", NewQPError("RECV_CQ", q.id, ErrCodeFatalCompletion, "capsule shorter than header"))
			return true
		}
		// Recv WRIDs carry the bare slot index (see postRecv), unlike
		// send WRIDs which pack a kind discriminant alongside it.
		q.requests[wc.WRID].onRecvComplete(wc.ByteLen)
		if q.onPreConnect {
			q.onPreConnect = false
		}
	}
	return false
}

func (q *QueuePair) failFatalf(op string, err error) {
	if q.logger != nil {
		q.logger.Printf("queue pair %d fatal during %s: %v", q.id, op, err)
	}
	q.Destroy()
}
