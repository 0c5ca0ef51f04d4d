package gateway

import (
	"github.com/nextlevelbuilder/clawbridge/internal/bus"
	"github.com/nextlevelbuilder/clawbridge/pkg/protocol"
)

// LiveDispatcher is the event-path counterpart of Poller: it turns live
// chat events into delivered replies, deduplicated against the shared
// cache so a replayed event dispatches exactly once, and against the
// cross-path recency window so the history poller cannot deliver the
// same reply again.
type LiveDispatcher struct {
	dedupe  *bus.DedupeCache
	recency *RecencyWindow
	deliver func(sessionKey string, reply Reply)
}

func NewLiveDispatcher(dedupe *bus.DedupeCache, recency *RecencyWindow, deliver func(sessionKey string, reply Reply)) *LiveDispatcher {
	return &LiveDispatcher{
		dedupe:  dedupe,
		recency: recency,
		deliver: deliver,
	}
}

// HandleEvent processes one gateway event. Non-chat events, streaming
// chunks, non-assistant messages and duplicates are dropped.
func (d *LiveDispatcher) HandleEvent(ev *protocol.EventFrame) {
	if ev == nil || ev.Event != protocol.EventChat {
		return
	}
	reply, ok := ExtractReply(ev.Payload)
	if !ok {
		return
	}
	if d.dedupe.IsDuplicate(LiveKey(reply, ev.Seq)) {
		return
	}
	if !d.recency.Observe(reply.SessionKey, reply.Text) {
		return
	}
	d.deliver(reply.SessionKey, *reply)
}
