package syncer

import (
	"time"

	"github.com/halcyonlabs/murmur/pkg/thought"
)

// pendingAction is one offline log entry plus its replay bookkeeping.
type pendingAction struct {
	thought.OfflineAction

	// attempts counts failed replays of this action.
	attempts int

	// notBefore gates the next replay attempt after a failure.
	notBefore time.Time
}

// actionLog holds offline actions grouped by target id, FIFO within a target.
// Cross-target order follows first enqueue. Not safe for concurrent use; the
// reconciler guards it with its own mutex.
type actionLog struct {
	order    []string
	byTarget map[string][]*pendingAction
	size     int
}

func newActionLog() *actionLog {
	return &actionLog{byTarget: make(map[string][]*pendingAction)}
}

func (l *actionLog) enqueue(a thought.OfflineAction) {
	if _, ok := l.byTarget[a.TargetID]; !ok {
		l.order = append(l.order, a.TargetID)
	}
	l.byTarget[a.TargetID] = append(l.byTarget[a.TargetID], &pendingAction{OfflineAction: a})
	l.size++
}

func (l *actionLog) len() int { return l.size }

// head returns the oldest action for target, or nil when its queue is empty.
func (l *actionLog) head(target string) *pendingAction {
	queue := l.byTarget[target]
	if len(queue) == 0 {
		return nil
	}
	return queue[0]
}

// pop removes the oldest action for target. The target stays in cross-target
// order even when drained; re-enqueues reuse its slot.
func (l *actionLog) pop(target string) {
	queue := l.byTarget[target]
	if len(queue) == 0 {
		return
	}
	l.byTarget[target] = queue[1:]
	l.size--
}

// targets returns a snapshot of target ids in first-enqueue order.
func (l *actionLog) targets() []string {
	out := make([]string, 0, len(l.order))
	for _, id := range l.order {
		if len(l.byTarget[id]) > 0 {
			out = append(out, id)
		}
	}
	return out
}
