// Package filter implements the Stage-1 categorical and Stage-2 contextual
// exclusion filters. Filters are pure functions over a request Context that
// only ever add to the exclusion accumulator, so they are order-insensitive
// with respect to correctness.
package filter

// Accumulator collects the two monotone exclusion sets for one request.
// Filters only add; nothing is ever removed. Owned by the orchestrator for
// the lifetime of one request.
type Accumulator struct {
	send    map[string]struct{}
	receive map[string]struct{}
}

// NewAccumulator creates an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		send:    make(map[string]struct{}),
		receive: make(map[string]struct{}),
	}
}

// ExcludeSend marks a candidate as ineligible to be sent to.
func (a *Accumulator) ExcludeSend(token string) {
	a.send[token] = struct{}{}
}

// ExcludeReceive marks a candidate as ineligible to be received from.
func (a *Accumulator) ExcludeReceive(token string) {
	a.receive[token] = struct{}{}
}

// ExcludeBoth marks a candidate as ineligible in both directions.
func (a *Accumulator) ExcludeBoth(token string) {
	a.send[token] = struct{}{}
	a.receive[token] = struct{}{}
}

// SendExcluded reports whether a candidate is excluded from send.
func (a *Accumulator) SendExcluded(token string) bool {
	_, ok := a.send[token]
	return ok
}

// ReceiveExcluded reports whether a candidate is excluded from receive.
func (a *Accumulator) ReceiveExcluded(token string) bool {
	_, ok := a.receive[token]
	return ok
}

// FullyExcluded reports whether a candidate is excluded in both directions.
func (a *Accumulator) FullyExcluded(token string) bool {
	return a.SendExcluded(token) && a.ReceiveExcluded(token)
}

// SendSet returns a copy of the excluded-from-send set.
func (a *Accumulator) SendSet() map[string]struct{} {
	return copySet(a.send)
}

// ReceiveSet returns a copy of the excluded-from-receive set.
func (a *Accumulator) ReceiveSet() map[string]struct{} {
	return copySet(a.receive)
}

// Counts returns the sizes of the two exclusion sets.
func (a *Accumulator) Counts() (send, receive int) {
	return len(a.send), len(a.receive)
}

func copySet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}
