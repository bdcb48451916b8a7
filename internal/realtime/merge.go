package realtime

import (
	"github.com/roach88/optisync/internal/change"
	"github.com/roach88/optisync/internal/optimistic"
)

// Merge returns a Handler that folds events into c:
//
//	insert  upsert (already present: replaced, never duplicated)
//	update  replace if visible, otherwise ignored
//	delete  remove if present, otherwise ignored
//
// Each rule is idempotent, so a redelivered event leaves c unchanged.
func Merge[T any](c *optimistic.Collection[T]) Handler[T] {
	return func(ev Event[T]) {
		switch ev.Kind {
		case change.Insert:
			c.Upsert(ev.Value)
		case change.Update:
			c.Replace(ev.Value)
		case change.Delete:
			c.Delete(ev.ID)
		}
	}
}
