package types

// Event represents a typed event emitted during state transitions. Height and
// Time are stamped by the ledger when the transition commits.
type Event struct {
	Type       string            `json:"type"`
	Height     uint64            `json:"height"`
	Time       uint64            `json:"time"`
	Attributes map[string]string `json:"attributes"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := &Event{Type: e.Type, Height: e.Height, Time: e.Time}
	if e.Attributes != nil {
		out.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}
