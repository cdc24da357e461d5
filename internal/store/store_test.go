package store

// Compile-time checks that SQLiteStore satisfies the store contracts.
var (
	_ Store       = (*SQLiteStore)(nil)
	_ RecordStore = (*SQLiteStore)(nil)
	_ CacheStore  = (*SQLiteStore)(nil)
	_ QueueStore  = (*SQLiteStore)(nil)
	_ StatusStore = (*SQLiteStore)(nil)
)
