package model

// Event is one ordered change notification for the snapshot builder.
// Exactly one of Registry or Health is set.
type Event struct {
	// Registry carries an applied registry delta together with the health
	// records the checker holds for the new node set.
	Registry *RegistryDelta
	Records  []HealthRecord

	// Health carries a single node state transition.
	Health *HealthRecord
}
