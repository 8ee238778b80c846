package engine

// Key namespace shared by every process instance on the same cluster. A
// single product id maps deterministically to exactly one cache slot, one
// lock resource, and one dead-letter slot. Changing any of these is a wire
// contract break and requires a coordinated rollout.
const (
	// EntryKeyPrefix namespaces serialized cache entries in the shared cache.
	EntryKeyPrefix = "catalog:product:"
	// LockKeyPrefix namespaces leader-election lock resources.
	LockKeyPrefix = "catalog:lock:product:"
	// DeadLetterSet is the sorted set holding delay-scheduled retry items.
	DeadLetterSet = "catalog:dlq:product"
	// InvalidationChannel carries bare product ids whose canonical value
	// changed. The payload has no origin tag, so every subscriber evicts on
	// receipt — including the publisher, whose fresh L1 entry is evicted one
	// round trip after its own rebuild and repromoted from L2 on the next
	// read. Tagging messages with an instance id would avoid that extra
	// promotion at the cost of widening the wire contract.
	InvalidationChannel = "catalog:invalidate"
)

func entryKey(id string) string {
	return EntryKeyPrefix + id
}

func lockKey(id string) string {
	return LockKeyPrefix + id
}
