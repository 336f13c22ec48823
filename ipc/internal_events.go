package ipc

import "strings"

// Reserved event name prefix. Implementers must not expose these as
// ordinary events to user listeners; future reserved names share this
// prefix.
const internalEventPrefix = "ipc_"

const (
	ipcSetLabels  = "ipc_setlabels"
	ipcQueryLabel = "ipc_query_label"
	ipcAuthType   = "auth"
)

// isInternalEvent reports whether typ is reserved for the internal
// dispatch table rather than the user listener registry.
func isInternalEvent(typ string) bool {
	return strings.HasPrefix(typ, internalEventPrefix)
}

type setLabelsPayload struct {
	Labels []string `json:"labels"`
}

type queryLabelPayload struct {
	Label string `json:"label"`
}

type queryLabelResult struct {
	Count int `json:"count"`
}
