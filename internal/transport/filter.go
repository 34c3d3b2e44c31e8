package transport

import (
	"context"
	"time"

	"github.com/danmuck/kbcast/internal/protocol/frame"
	"github.com/danmuck/kbcast/internal/protocol/tlv"
)

// Operation is the pipeline stage a filter chain runs in.
type Operation string

const (
	OpSend        Operation = "send"
	OpReceive     Operation = "receive"
	OpRebroadcast Operation = "rebroadcast"
)

// FilterContext describes the message around the update being filtered.
// On send From is empty and the header quality is not yet stamped.
type FilterContext struct {
	Operation          Operation
	Header             frame.Header
	From               string
	Self               string
	SendBytesPerSecond uint64
	RecvBytesPerSecond uint64
	Now                time.Time
}

// Filter may rewrite an update. Returning false removes it from the batch;
// later filters in the chain do not see it.
type Filter func(ctx context.Context, u tlv.Update, fc FilterContext) (tlv.Update, bool)

// applyFilters runs chain over updates in order and returns the survivors.
// The input slice is left untouched.
func applyFilters(ctx context.Context, chain []Filter, updates []tlv.Update, fc FilterContext) []tlv.Update {
	if len(chain) == 0 {
		return updates
	}
	out := make([]tlv.Update, 0, len(updates))
next:
	for _, u := range updates {
		for _, f := range chain {
			var keep bool
			if u, keep = f(ctx, u, fc); !keep {
				continue next
			}
		}
		out = append(out, u)
	}
	return out
}

func (t *Transport) filterContext(op Operation, h frame.Header, from string) FilterContext {
	return FilterContext{
		Operation:          op,
		Header:             h,
		From:               from,
		Self:               t.settings.ID,
		SendBytesPerSecond: t.sendMon.BytesPerSecond(),
		RecvBytesPerSecond: t.recvMon.BytesPerSecond(),
		Now:                time.Now(),
	}
}
