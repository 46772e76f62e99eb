package app

import (
	"context"
	"encoding/json"
	"time"

	"pricepush/internal/dispatch"
	"pricepush/internal/storage"
	"pricepush/pkg/logx"
)

// Auditor is the part of storage.Store the audit loop writes to.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// auditEntry maps a dispatch event to an audit row. Only terminal failures
// and fallbacks are kept.
func auditEntry(ev dispatch.Event) (storage.AuditEntry, bool) {
	if ev.Type != dispatch.EventTerminalFailure && ev.Type != dispatch.EventFallback {
		return storage.AuditEntry{}, false
	}
	a := storage.AuditEntry{
		At:       ev.At,
		Action:   string(ev.Type),
		TaskID:   ev.TaskID,
		Kind:     ev.Kind,
		Priority: string(ev.Priority),
		OK:       ev.Sent,
		Fail:     ev.Failed,
	}
	meta := map[string]any{}
	if ev.ParentID != "" {
		meta["parent_id"] = ev.ParentID
	}
	if f := ev.Failure; f != nil {
		if f.Err != nil {
			a.Error = f.Err.Error()
		}
		meta["attempts"] = f.Attempts
		meta["permanent"] = f.Permanent
		meta["recipients"] = f.Recipients
	}
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			a.MetaJSON = string(b)
		}
	}
	return a, true
}

// runAudit appends qualifying events until ctx is done or ch closes.
func runAudit(ctx context.Context, ch <-chan dispatch.Event, st Auditor, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a, keep := auditEntry(ev)
			if !keep {
				continue
			}
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			if err := st.AppendAudit(actx, a); err != nil {
				log.Warn("audit append failed", logx.String("action", a.Action), logx.String("task", a.TaskID), logx.Err(err))
			}
			cancel()
		}
	}
}
