package graph

// EventCallback receives runtime events during one execution. eventType
// matches the spec's event type strings ("status", "streaming_chunk",
// "say", "activity", "warning", "error", ...); payload carries its
// type-specific fields.
type EventCallback func(eventType string, payload map[string]any)

func emit(cb EventCallback, eventType string, payload map[string]any) {
	if cb != nil {
		cb(eventType, payload)
	}
}

func statusEvent(cb EventCallback, playbookName, nodeID string) {
	emit(cb, "status", map[string]any{"playbook": playbookName, "node": nodeID})
}

func warningEvent(cb EventCallback, code, content string) {
	emit(cb, "warning", map[string]any{"warning_code": code, "content": content})
}

func errorEvent(cb EventCallback, content, playbookName, nodeID string) {
	emit(cb, "error", map[string]any{"content": content, "playbook": playbookName, "node": nodeID})
}

func activityEvent(cb EventCallback, action, name, playbookName, status, personaID, personaName string) {
	emit(cb, "activity", map[string]any{
		"action": action, "name": name, "playbook": playbookName, "status": status,
		"persona_id": personaID, "persona_name": personaName,
	})
}
