// Package incident is the event-sourced lifecycle manager. The incident
// record is materialized from an ordered event log; every transition appends
// an event carrying the hash of the state it produced, forming a verifiable
// chain.
package incident

import (
	"encoding/json"
	"fmt"

	"github.com/opx-platform/opx-core/pkg/canonical"
	"github.com/opx-platform/opx-core/pkg/contracts"
)

// Fields excluded from the state hash. They are mutable bookkeeping; hashing
// them would make replays diverge.
var stateHashExclusions = []string{"updatedAt", "version", "eventSeq"}

// ComputeStateHash hashes the deep-canonicalized authoritative state of an
// incident. Any replay of the event sequence must reproduce every stored
// hash byte for byte.
func ComputeStateHash(inc contracts.Incident) (string, error) {
	raw, err := json.Marshal(inc)
	if err != nil {
		return "", fmt.Errorf("incident: marshal state: %w", err)
	}
	var view map[string]any
	if err := json.Unmarshal(raw, &view); err != nil {
		return "", fmt.Errorf("incident: view state: %w", err)
	}
	for _, field := range stateHashExclusions {
		delete(view, field)
	}
	return canonical.Hash(view)
}
