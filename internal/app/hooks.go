package app

import (
	"context"

	"github.com/taliaworks/pipecat-bridge/internal/bridge"
	"github.com/taliaworks/pipecat-bridge/internal/flow"
	"github.com/taliaworks/pipecat-bridge/internal/observe"
	"github.com/taliaworks/pipecat-bridge/internal/stats"
)

// lifecycleHooks fans bridge session events out to the stats writer and the
// flow conversation store: a starting call gets a stats row and a
// conversation at the graph entry; an ending call gets its frame counts
// persisted and its conversation dropped.
type lifecycleHooks struct {
	writer  *stats.Writer
	manager *flow.Manager
	convs   *flow.Store
}

var _ bridge.Hooks = (*lifecycleHooks)(nil)

func (h *lifecycleHooks) SessionStarted(ctx context.Context, info bridge.StartInfo) {
	if h.writer != nil {
		h.writer.RecordStart(ctx, stats.CallRecord{
			CallID:         callID(info),
			SessionID:      info.SessionID,
			StreamSID:      info.StreamSID,
			CallerPhone:    info.CallerPhone,
			BusinessStatus: string(info.BusinessStatus),
		})
	}

	conv := h.manager.NewConversation(flow.ConversationInfo{
		SessionID:      info.SessionID,
		StreamSID:      info.StreamSID,
		CallerPhone:    info.CallerPhone,
		BusinessStatus: info.BusinessStatus,
	})
	h.convs.Put(conv)

	observe.Logger(ctx).Debug("conversation opened",
		"session_id", info.SessionID, "stream_sid", info.StreamSID)
}

func (h *lifecycleHooks) SessionEnded(ctx context.Context, info bridge.StartInfo, framesIn, framesOut int64) {
	if h.writer != nil {
		h.writer.FinishCall(ctx, callID(info), framesIn, framesOut)
	}

	if conv := h.convs.Lookup(info.StreamSID); conv != nil {
		h.convs.Remove(conv)
	}
}

// callID is the telephony platform's call identifier, the primary key of the
// stats row. Sessions that never carried one fall back to the bridge session
// UUID.
func callID(info bridge.StartInfo) string {
	if info.InteractionID != "" {
		return info.InteractionID
	}
	return info.SessionID
}
