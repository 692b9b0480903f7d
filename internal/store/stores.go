package store

// Stores is the top-level container for the storage backends the standalone
// gateway wires up, each backed by a file-based adapter under
// internal/store/file.
type Stores struct {
	Sessions SessionStore
	Cron     CronStore
	Pairing  PairingStore
	Tracing  TracingStore // nil unless LLM tracing is enabled
}
