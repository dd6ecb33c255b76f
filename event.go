package cascade

// Event is the envelope a run executes under. The name participates in
// journal visibility: entries are tagged with the event they ran under,
// and a routing goto_event switches the tag for downstream runs.
type Event struct {
	Name    string         `json:"event_name"`
	Payload map[string]any `json:"payload,omitempty"`
}

// asMap renders the envelope for expression scopes and provider templates.
func (e Event) asMap() map[string]any {
	return map[string]any{
		"name":    e.Name,
		"payload": e.Payload,
	}
}
