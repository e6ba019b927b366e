package storage

// Backend names accepted in configuration. The daemon wires the concrete
// backend (bbolt, pebble, memory) based on this value; the subpackages are
// not imported here to keep the interface package dependency-free.
const (
	BackendBBolt  = "bbolt"
	BackendPebble = "pebble"
	BackendMemory = "memory"
)

// ValidBackend reports whether name names a supported backend.
func ValidBackend(name string) bool {
	switch name {
	case BackendBBolt, BackendPebble, BackendMemory:
		return true
	}
	return false
}
