package signal

import (
	"context"
	"sort"
)

// Store persists signaling records and answers live queries over them.
type Store interface {
	// Insert assigns the record an ID and creation time and persists it.
	Insert(ctx context.Context, rec Record) (Record, error)

	// Watch evaluates q immediately and again after every change to the
	// room. Each Result carries the complete, createdAt-ordered result
	// set. The channel is closed when ctx is cancelled.
	Watch(ctx context.Context, q Query) (<-chan Result, error)
}

// Result is one evaluation of a live query.
type Result struct {
	Records []Record
	Err     error
}

// filterRecords returns the records matching q in createdAt order.
func filterRecords(records []Record, q Query) []Record {
	var out []Record
	for _, rec := range records {
		if q.Match(rec) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

// deliver hands the latest result to a watcher. A records result replaces
// an unread older one since every snapshot is complete. An error result
// waits behind an unread snapshot instead of hiding it.
func deliver(ctx context.Context, out chan Result, res Result) bool {
	if res.Err == nil {
		select {
		case <-out:
		default:
		}
	}
	select {
	case out <- res:
		return true
	case <-ctx.Done():
		return false
	}
}
