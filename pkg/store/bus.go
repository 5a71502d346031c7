package store

// subscriber coalesces change notifications per table: a burst of writes
// collapses into one pending entry per table, so a slow consumer can lag
// but never miss that a table changed.
type subscriber struct {
	ch   chan string
	wake chan struct{}
	done chan struct{}

	// guarded by the store's subMu
	pending []string
	queued  map[string]bool
}

// Subscribe returns a channel that receives the name of each table with
// committed writes since the last receive, plus a cancel func. Consumers
// treat a received name as "something changed" and re-read.
func (s *Store) Subscribe() (<-chan string, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	sub := &subscriber{
		ch:     make(chan string, 1),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		queued: make(map[string]bool),
	}
	s.subs[id] = sub
	go s.deliver(sub)

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.done)
		}
	}
	return sub.ch, cancel
}

// deliver drains a subscriber's pending tables into its channel.
func (s *Store) deliver(sub *subscriber) {
	defer close(sub.ch)
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}
		for {
			s.subMu.Lock()
			if len(sub.pending) == 0 {
				s.subMu.Unlock()
				break
			}
			table := sub.pending[0]
			sub.pending = sub.pending[1:]
			delete(sub.queued, table)
			s.subMu.Unlock()

			select {
			case sub.ch <- table:
			case <-sub.done:
				return
			}
		}
	}
}

func (s *Store) notify(table string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		if !sub.queued[table] {
			sub.queued[table] = true
			sub.pending = append(sub.pending, table)
		}
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}
