package worker

import "time"

// MessageType is the discriminator for the worker's typed envelope
// protocol, the Go-channel analogue of postMessage.
type MessageType string

const (
	MsgCacheSet               MessageType = "CACHE_SET"
	MsgCacheGet               MessageType = "CACHE_GET"
	MsgCacheGetResponse       MessageType = "CACHE_GET_RESPONSE"
	MsgCacheInvalidate        MessageType = "CACHE_INVALIDATE"
	MsgCacheWarm              MessageType = "CACHE_WARM"
	MsgCacheWarmComplete      MessageType = "CACHE_WARM_COMPLETE"
	MsgCacheWarmFailed        MessageType = "CACHE_WARM_FAILED"
	MsgCacheUpdated           MessageType = "CACHE_UPDATED"
)

// Message is the envelope exchanged over a Runtime's inbox channel.
// Exactly one of the typed payload fields is populated, matching Type.
type Message struct {
	Type MessageType

	Set         *CacheSetPayload
	Get         *CacheGetPayload
	GetResponse *CacheGetResponsePayload
	Invalidate  *CacheInvalidatePayload
	Warm        *CacheWarmPayload

	// Reply, if non-nil, receives exactly one response for request/reply
	// message types (currently only CACHE_GET).
	Reply chan Message
}

// CacheSetPayload stores a page-state record under key.
type CacheSetPayload struct {
	Key        string
	CacheEntry []byte
}

// CacheGetPayload requests the record under key, correlated by
// RequestID so the reply can be routed back to the right caller.
type CacheGetPayload struct {
	Key       string
	RequestID string
}

// CacheGetResponsePayload is the reply to a CacheGetPayload.
type CacheGetResponsePayload struct {
	Key        string
	CacheEntry []byte
	Found      bool
	RequestID  string
	Timestamp  int64
}

// CacheInvalidatePayload deletes a single key or every entry matching
// any of Tags (at most one of Key/Tags is populated).
type CacheInvalidatePayload struct {
	Key  string
	Tags []string
}

// CacheWarmPayload prefetches Routes. A nil Routes means the list was
// omitted and the installed default route list is warmed instead; a
// non-nil, empty Routes is an explicit request to warm nothing.
type CacheWarmPayload struct {
	Routes *[]string
}

// CacheWarmCompletePayload reports the outcome of a CACHE_WARM request,
// broadcast to every attached UI context.
type CacheWarmCompletePayload struct {
	Routes       []string
	SuccessCount int
	FailureCount int
	Timestamp    int64
}

// CacheUpdatedPayload is broadcast after the worker refreshes key in the
// background.
type CacheUpdatedPayload struct {
	Key       string
	Source    string
	Timestamp int64
}

// Broadcast is fanned out to every attached UI context, including ones
// that registered after install.
type Broadcast struct {
	Type    MessageType
	Updated *CacheUpdatedPayload
	Warm    *CacheWarmCompletePayload
	Error   string
}

func nowMillis() int64 { return time.Now().UnixMilli() }
