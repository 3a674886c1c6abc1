// Package proxy elides pass-through wrapper functions from a call graph.
//
// A proxy (for example a generic dispatch helper) forwards to exactly one real
// callee. The profiler writes a function's record when it returns, so the
// proxy's record, with its forwarded call, appears before the record of the
// function that called the proxy. Forwarded calls are therefore queued per
// proxy and consumed in FIFO order by the calls into that proxy.
package proxy

// Call is a forwarded call waiting to be attributed to the proxy's caller.
type Call struct {
	Callee int
	Line   uint64
	Cost   uint64
}

// Splicer tracks the designated proxy functions and their pending calls.
type Splicer struct {
	names  map[string]struct{}
	queues map[int][]Call
}

// New creates a splicer for the given proxy function names.
func New(names []string) *Splicer {
	s := &Splicer{
		names:  make(map[string]struct{}, len(names)),
		queues: make(map[int][]Call),
	}
	for _, n := range names {
		s.names[n] = struct{}{}
	}
	return s
}

// Register marks the function at index as a proxy if its name is designated.
// It reports whether the function is a proxy.
func (s *Splicer) Register(name string, index int) bool {
	if _, ok := s.names[name]; !ok {
		return false
	}
	if _, ok := s.queues[index]; !ok {
		s.queues[index] = nil
	}
	return true
}

// IsProxy reports whether the function at index was registered as a proxy.
func (s *Splicer) IsProxy(index int) bool {
	_, ok := s.queues[index]
	return ok
}

// Defer queues a call made from inside the proxy at index.
func (s *Splicer) Defer(proxy int, c Call) {
	s.queues[proxy] = append(s.queues[proxy], c)
}

// Resolve pops the oldest call queued for the proxy at index.
func (s *Splicer) Resolve(proxy int) (Call, bool) {
	q := s.queues[proxy]
	if len(q) == 0 {
		return Call{}, false
	}
	c := q[0]
	q[0] = Call{}
	s.queues[proxy] = q[1:]
	return c, true
}

// Pending returns how many forwarded calls are still unattributed.
func (s *Splicer) Pending() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}
