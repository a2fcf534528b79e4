package mbtcp

import (
	"context"

	"github.com/arloliu/go-mbus/mbus"
)

// Result is the final outcome of one submitted request.
// Exactly one of PDU and Err is set.
type Result struct {
	PDU *mbus.PDU
	Err error
}

// PendingResponse is the asynchronous result handle returned by
// Client.Submit. It is completed exactly once, by whichever of the response
// path, the timeout path, an acquisition failure, or shutdown wins the
// transaction table's atomic removal.
//
// The result may be consumed once, through either Done or Await.
type PendingResponse struct {
	ch chan Result
}

func newPendingResponse() *PendingResponse {
	return &PendingResponse{ch: make(chan Result, 1)}
}

// Done returns a channel that receives exactly one Result.
func (p *PendingResponse) Done() <-chan Result {
	return p.ch
}

// Await blocks until the request resolves or ctx is done.
func (p *PendingResponse) Await(ctx context.Context) (*mbus.PDU, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-p.ch:
		return res.PDU, res.Err
	}
}

// complete delivers the final result. The transaction table's atomic removal
// guarantees a single caller, so the buffered send never blocks.
func (p *PendingResponse) complete(pdu *mbus.PDU, err error) {
	p.ch <- Result{PDU: pdu, Err: err}
}
