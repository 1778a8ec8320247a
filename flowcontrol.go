package nvmf

import "github.com/npeterson-io/nvmf-rdma/internal/wire"

// enqueuePendingDataBuf appends r to pending_data_buf_queue,
// maintaining the strict-FIFO, at-most-one-queue invariant (I3).
func (r *Request) enqueuePendingDataBuf() {
	r.pending = pendingDataBuf
	r.qp.pendingDataBuf = append(r.qp.pendingDataBuf, r)
}

// enqueuePendingRDMARW appends r to pending_rdma_rw_queue.
func (r *Request) enqueuePendingRDMARW() {
	r.pending = pendingRDMARW
	r.qp.pendingRDMARW = append(r.qp.pendingRDMARW, r)
}

// drainPendingDataBuf implements §4.D's pending_data_buf_queue drain:
// for each queued request, pop a bounce buffer if one is free and
// re-run admitOrWaitRDMA: H2C submits its RDMA Read if rw depth
// allows, else enqueues on pending_rdma_rw_queue; C2H goes to the
// executor. Stops on first empty free-list.
func drainPendingDataBuf(q *QueuePair) {
	for len(q.pendingDataBuf) > 0 {
		buf, ok := q.session.pool.Acquire()
		if !ok {
			return
		}
		r := q.pendingDataBuf[0]
		q.pendingDataBuf = q.pendingDataBuf[1:]
		r.pending = pendingNone

		r.bounceBuf = buf
		r.data = buf[:r.length]
		r.state = StateParsed
		r.admitOrWaitRDMA()
	}
}

// drainPendingRDMARW implements §4.D's pending_rdma_rw_queue drain:
// while cur_rdma_rw_depth < max_rw_depth and the queue is non-empty,
// dequeue the head and submit its Read or Write.
func drainPendingRDMARW(q *QueuePair) {
	for q.curRWDepth < q.maxRWDepth && len(q.pendingRDMARW) > 0 {
		r := q.pendingRDMARW[0]
		q.pendingRDMARW = q.pendingRDMARW[1:]
		r.pending = pendingNone

		if r.state == StateWaitRW && r.direction == wire.TransferHostToCtrl {
			if err := r.submitRDMARead(); err != nil {
				r.failFatal(err)
				return
			}
			q.curRWDepth++
			q.observeRWDepth()
			r.state = StateXferIn
			continue
		}
		// C2H requests land in pending_rdma_rw_queue only from
		// Complete's admission check, awaiting an RDMA Write.
		if err := r.submitRDMAWrite(); err != nil {
			r.failFatal(err)
			return
		}
		q.curRWDepth++
		q.observeRWDepth()
		r.state = StateXferOut
	}
}
