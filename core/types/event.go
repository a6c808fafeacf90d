package types

// Event represents a typed event emitted during a settlement state transition.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
