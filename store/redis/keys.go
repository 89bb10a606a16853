package redis

// Key prefixes for primary entity storage.
const (
	prefixEventType = "dispatch:evtype:"
	prefixWebhook   = "dispatch:wh:"
	prefixDelivery  = "dispatch:del:"
	prefixAttempts  = "dispatch:del:att:" // + delivery ID, list of attempt JSON
)

// Key prefixes for unique indexes.
const (
	uniqueEventTypeName = "dispatch:u:evtype:name:"
)

// Key prefixes for sorted set indexes.
const (
	zEventTypeAll    = "dispatch:z:evtype:all"
	zWebhookProject  = "dispatch:z:wh:project:" // + project ID
	zDeliveryWebhook = "dispatch:z:del:wh:"     // + webhook ID, scored by created
	zDeliveryDue     = "dispatch:z:del:due"     // scored by next attempt time
	zDeliveryAll     = "dispatch:z:del:all"     // scored by created, drives the purge
)

// Set indexes.
const (
	sDeliveryOpen = "dispatch:s:del:open" // non-terminal delivery IDs
)

// entityKey returns the primary key for an entity.
func entityKey(prefix, id string) string {
	return prefix + id
}
