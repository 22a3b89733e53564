package scheduler

import "time"

// Background tick loop. Promotion normally happens edge-triggered in settle;
// the tick only catches anything that slipped and purges terminal tasks past
// the retention window so memory stays bounded.

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.promoteAll()
			s.gc()
		case <-s.ctx.Done():
			return
		}
	}
}

// promoteAll fills free slots in every conversation.
func (s *Scheduler) promoteAll() {
	s.mu.RLock()
	states := make([]*convState, 0, len(s.convs))
	for _, cs := range s.convs {
		states = append(states, cs)
	}
	s.mu.RUnlock()

	for _, cs := range states {
		for {
			cs.mu.Lock()
			promoted, execCtx := s.promoteLocked(cs)
			var snapshot Task
			if promoted != nil {
				snapshot = s.snapshotLocked(promoted)
			}
			cs.mu.Unlock()

			if promoted == nil {
				break
			}
			s.notify(snapshot)
			s.wg.Add(1)
			go s.run(promoted, execCtx)
		}
	}
}

// gc purges terminal tasks older than the retention window and drops
// conversation scheduling state that holds nothing anymore.
func (s *Scheduler) gc() {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := make(map[string]int, len(s.convs))
	for id, task := range s.tasks {
		cs := s.convs[task.ConversationID]
		if cs == nil {
			delete(s.tasks, id)
			continue
		}

		cs.mu.Lock()
		expired := task.Status.Terminal() &&
			task.CompletedAt != nil &&
			now.Sub(*task.CompletedAt) > s.config.Retention
		cs.mu.Unlock()

		if expired {
			delete(s.tasks, id)
			continue
		}
		remaining[task.ConversationID]++
	}

	for conversationID, cs := range s.convs {
		if remaining[conversationID] > 0 {
			continue
		}
		cs.mu.Lock()
		idle := cs.running == 0 && cs.waiting.len() == 0
		cs.mu.Unlock()
		if idle {
			delete(s.convs, conversationID)
		}
	}
}
