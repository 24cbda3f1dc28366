package payment

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/ports"
)

// DummyCharger simulates a gateway. Outcomes are scripted per call; once the
// script is exhausted every charge succeeds. Use it for development and tests.
type DummyCharger struct {
	mu     sync.Mutex
	script []error
	calls  []ports.ChargeRequest
	delay  time.Duration
	seq    int
}

// NewDummyCharger creates a charger that succeeds by default.
func NewDummyCharger() *DummyCharger {
	return &DummyCharger{}
}

// Name returns the gateway name.
func (d *DummyCharger) Name() string {
	return "dummy"
}

// Script queues outcomes for the next calls. A nil entry is a success.
func (d *DummyCharger) Script(outcomes ...error) *DummyCharger {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, outcomes...)
	return d
}

// FailNext queues n failures with the given code.
func (d *DummyCharger) FailNext(n int, code string) *DummyCharger {
	outcomes := make([]error, n)
	for i := range outcomes {
		outcomes[i] = &billing.ChargeError{Code: code, Message: "simulated " + code}
	}
	return d.Script(outcomes...)
}

// WithDelay makes every charge block for d or until the context ends.
func (d *DummyCharger) WithDelay(delay time.Duration) *DummyCharger {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
	return d
}

// Calls returns the charge requests received so far.
func (d *DummyCharger) Calls() []ports.ChargeRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ports.ChargeRequest, len(d.calls))
	copy(out, d.calls)
	return out
}

// Charge records the request and returns the next scripted outcome.
func (d *DummyCharger) Charge(ctx context.Context, req ports.ChargeRequest) (ports.ChargeResult, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	delay := d.delay
	var outcome error
	if len(d.script) > 0 {
		outcome = d.script[0]
		d.script = d.script[1:]
	}
	d.seq++
	txn := "dummy_txn_" + strconv.Itoa(d.seq)
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ports.ChargeResult{}, ctx.Err()
		}
	}
	if outcome != nil {
		return ports.ChargeResult{}, outcome
	}
	return ports.ChargeResult{TransactionID: txn, Gateway: d.Name(), Response: "succeeded"}, nil
}

// Ensure interface compliance.
var _ ports.PaymentCharger = (*DummyCharger)(nil)
