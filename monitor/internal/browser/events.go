package browser

import (
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/presencewatch/presence"
)

// initiatorOf maps a CDP resource type to the initiator kinds the Observer
// cares about. Everything else is dropped at the host.
func initiatorOf(t proto.NetworkResourceType) (string, bool) {
	switch t {
	case proto.NetworkResourceTypeXHR:
		return "xmlhttprequest", true
	case proto.NetworkResourceTypeFetch:
		return "fetch", true
	}
	return "", false
}

// requestRecord is the in-flight record: no status yet.
func requestRecord(e *proto.NetworkRequestWillBeSent, at time.Time) (presence.ResourceRecord, bool) {
	kind, ok := initiatorOf(e.Type)
	if !ok || e.Request == nil {
		return presence.ResourceRecord{}, false
	}
	return presence.ResourceRecord{
		URL:       e.Request.URL,
		Initiator: kind,
		RequestID: string(e.RequestID),
		At:        at.UnixMilli(),
	}, true
}

func responseRecord(e *proto.NetworkResponseReceived, at time.Time) (presence.ResourceRecord, bool) {
	kind, ok := initiatorOf(e.Type)
	if !ok || e.Response == nil {
		return presence.ResourceRecord{}, false
	}
	return presence.ResourceRecord{
		URL:       e.Response.URL,
		Initiator: kind,
		Status:    e.Response.Status,
		RequestID: string(e.RequestID),
		At:        at.UnixMilli(),
	}, true
}

// mainFrameURL returns the new URL when the top-level frame navigated.
func mainFrameURL(e *proto.PageFrameNavigated) (string, bool) {
	if e.Frame == nil || e.Frame.ParentID != "" {
		return "", false
	}
	return e.Frame.URL, true
}
