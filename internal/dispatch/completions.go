package dispatch

import "sync"

// completionSequencer enforces the ordering guarantee: requests at the
// same priority complete in the order they were enqueued, unless
// cancelled. Each request takes a per-priority sequence number at
// creation; a completion arriving ahead of its turn parks until every
// earlier request at that priority has completed or been cancelled.
// Whichever goroutine unblocks the head becomes the flusher and fires
// the ready completions one by one, so finish calls never interleave.
type completionSequencer struct {
	mu        sync.Mutex
	nextIn    [priorityCount]uint64
	next      [priorityCount]uint64
	parked    [priorityCount]map[uint64]parkedCompletion
	firing    bool
	fireQueue []parkedCompletion
}

type parkedCompletion struct {
	r      *Request
	status Status
	fired  bool // already completed out of band (cancel, early failure)
}

func newCompletionSequencer() *completionSequencer {
	s := &completionSequencer{}
	for i := range s.parked {
		s.parked[i] = make(map[uint64]parkedCompletion)
	}
	return s
}

// assign hands out the next sequence number for a priority.
func (s *completionSequencer) assign(p Priority) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.nextIn[p]
	s.nextIn[p]++
	return seq
}

// deliver completes a request in sequence order.
func (s *completionSequencer) deliver(r *Request, status Status) {
	s.complete(parkedCompletion{r: r, status: status})
}

// markDone releases a sequence slot whose request already completed
// out of band, letting later parked completions fire.
func (s *completionSequencer) markDone(r *Request) {
	s.complete(parkedCompletion{r: r, fired: true})
}

func (s *completionSequencer) complete(c parkedCompletion) {
	p := c.r.priority
	s.mu.Lock()
	if c.r.prioSeq != s.next[p] {
		s.parked[p][c.r.prioSeq] = c
		s.mu.Unlock()
		return
	}

	// Head of the line: collect it plus any contiguous parked followers.
	s.fireQueue = append(s.fireQueue, c)
	s.next[p]++
	for {
		f, ok := s.parked[p][s.next[p]]
		if !ok {
			break
		}
		delete(s.parked[p], s.next[p])
		s.fireQueue = append(s.fireQueue, f)
		s.next[p]++
	}

	if s.firing {
		// Another goroutine is flushing; it picks these up.
		s.mu.Unlock()
		return
	}
	s.firing = true
	for len(s.fireQueue) > 0 {
		batch := s.fireQueue
		s.fireQueue = nil
		s.mu.Unlock()
		for _, f := range batch {
			if !f.fired {
				f.r.finish(f.status)
			}
		}
		s.mu.Lock()
	}
	s.firing = false
	s.mu.Unlock()
}
