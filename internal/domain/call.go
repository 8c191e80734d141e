package domain

type CallID string

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

type CallStatus string

const (
	CallPending  CallStatus = "pending"
	CallOngoing  CallStatus = "ongoing"
	CallCanceled CallStatus = "canceled"
	CallEnded    CallStatus = "ended"
)

// Call is the server-side call record; the negotiation state lives in
// the call engine, not here.
type Call struct {
	ID             CallID         `json:"id"`
	ConversationID ConversationID `json:"conversationId"`
	CallerID       UserID         `json:"callerId"`
	CalleeID       UserID         `json:"calleeId"`
	Type           CallType       `json:"type"`
	Status         CallStatus     `json:"status"`
}
