package eventlog

import "context"

// Iterator is a restartable cursor over the log. Next blocks until a
// matching event is committed, the context ends, or the log closes. A fresh
// iterator with FromSeq in the past backfills history before following the
// live tail, which is what lets triggers created late still see old events.
type Iterator struct {
	log    *MemoryLog
	filter Filter
	next   uint64 // next sequence number to consider
}

func (l *MemoryLog) Iterator(f Filter) *Iterator {
	start := f.FromSeq
	if start == 0 {
		start = 1
	}
	return &Iterator{log: l, filter: f, next: start}
}

// Next returns the next matching event. It returns ErrClosed after the log
// closes and the remaining backlog is drained, or the context's error.
func (it *Iterator) Next(ctx context.Context) (Event, error) {
	l := it.log
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		for it.next <= uint64(len(l.events)) {
			e := l.events[it.next-1]
			it.next++
			if it.filter.Matches(e) {
				return e, nil
			}
		}
		if l.closed {
			return Event{}, ErrClosed
		}

		// cond.Wait cannot watch the context, so a canceled context is
		// noticed on the next broadcast; Close broadcasts too.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				l.cond.Broadcast()
			case <-done:
			}
		}()
		l.cond.Wait()
		close(done)
	}
}

// Seq reports the next sequence number the iterator will consider; feeding
// it back as Filter.FromSeq resumes exactly where this cursor stopped.
func (it *Iterator) Seq() uint64 { return it.next }
