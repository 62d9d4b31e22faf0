package flqa

// EventKind classifies a material transition between two consecutive
// snapshots of the same file type.
type EventKind string

const (
	EventBecameEligible EventKind = "BECAME_ELIGIBLE"
	EventLostEligible   EventKind = "LOST_ELIGIBLE"
	EventStatusChanged  EventKind = "STATUS_CHANGED"
)

// DiffEvent records one agent's transition with the rows that produced it.
type DiffEvent struct {
	AgentKey string           `json:"agent_key"`
	Kind     EventKind        `json:"event"`
	Prev     SnapshotAgentRow `json:"prev"`
	Next     SnapshotAgentRow `json:"next"`
}

// DiffSnapshots compares two classified row sets and emits at most one
// event per agent, in strict priority order: eligibility gained beats
// eligibility lost beats a bare status change. Agents without a prior row
// emit nothing (no "before" state); agents that disappeared emit nothing.
// Emission order follows next.
func DiffSnapshots(prev, next []SnapshotAgentRow) []DiffEvent {
	prevByKey := make(map[string]SnapshotAgentRow, len(prev))
	for _, p := range prev {
		prevByKey[p.AgentKey] = p
	}

	var events []DiffEvent
	for _, n := range next {
		p, ok := prevByKey[n.AgentKey]
		if !ok {
			continue
		}
		switch {
		case !p.EligibleNow && n.EligibleNow:
			events = append(events, DiffEvent{AgentKey: n.AgentKey, Kind: EventBecameEligible, Prev: p, Next: n})
		case p.EligibleNow && !n.EligibleNow:
			events = append(events, DiffEvent{AgentKey: n.AgentKey, Kind: EventLostEligible, Prev: p, Next: n})
		case p.Status != n.Status:
			events = append(events, DiffEvent{AgentKey: n.AgentKey, Kind: EventStatusChanged, Prev: p, Next: n})
		}
	}
	return events
}
