package repository

import (
	"context"
	"encoding/json"

	"github.com/momentos/cafe-core/internal/feed"
	"github.com/momentos/cafe-core/internal/logger"
)

// publishEvent emits a row-level change notification after a committed
// write. A notification failure is logged, never returned: the write has
// already happened, and the feed offers no delivery guarantee anyway.
func publishEvent(ctx context.Context, bus feed.Bus, table string, typ feed.EventType, oldRow, newRow any) {
	if bus == nil {
		return
	}

	e := feed.Event{Table: table, Type: typ}
	if oldRow != nil {
		raw, err := json.Marshal(oldRow)
		if err != nil {
			logger.Warn("failed to encode old row for feed", "table", table, "err", err)
			return
		}
		e.Old = raw
	}
	if newRow != nil {
		raw, err := json.Marshal(newRow)
		if err != nil {
			logger.Warn("failed to encode new row for feed", "table", table, "err", err)
			return
		}
		e.New = raw
	}

	if err := bus.Publish(ctx, e); err != nil {
		logger.Warn("failed to publish feed event", "table", table, "type", typ.String(), "err", err)
	}
}
