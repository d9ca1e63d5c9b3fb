package ledger

// Declare database key prefix for objects
const (
	PrefixAccount = "account:"

	MetaKeyFinalSlot = "meta:final_slot"
	MetaKeyHistory   = "meta:final_history"

	// PrefixMetadata holds the keys staged by callers of the ledger
	PrefixMetadata = "meta:ext:"
)

func accountKey(addr string) []byte {
	return []byte(PrefixAccount + addr)
}

func metadataKey(key string) string {
	return PrefixMetadata + key
}
