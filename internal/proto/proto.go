// Package proto declares the wire protocol spoken over the signaling
// connection: event names, frame envelope, and typed payloads.
// Mirrored by the web client — keep event names and JSON tags in sync.
package proto

import (
	"encoding/json"
	"time"
)

// Event names carried in the frame envelope.
const (
	// EventRegister binds the connection to an authenticated identity.
	// Sent exactly once, immediately after the transport opens.
	EventRegister = "add-user"

	// EventUsers is the server's full presence broadcast. The payload
	// replaces the previous snapshot wholesale — it is never a diff.
	EventUsers = "get-users"

	// EventSendMsg is an outbound message addressed to a peer.
	EventSendMsg = "send-msg"

	// EventRecvMsg is an inbound message delivered to this identity.
	EventRecvMsg = "msg-receive"

	// Call signaling. The core only emits call-invite; the remaining
	// three are forwarded to whoever runs the call page.
	EventCallInvite = "call-invite"
	EventCallAccept = "call-accept"
	EventCallReject = "call-reject"
	EventCallEnd    = "call-end"
)

// Body content types.
const (
	BodyText  = "text"
	BodyAudio = "audio"
)

// Call kinds for EventCallInvite.
const (
	CallVoice = "voice"
	CallVideo = "video"
)

// Frame is the envelope for every frame on the signaling connection.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a Frame.
func NewFrame(event string, payload any) Frame {
	b, _ := json.Marshal(payload)
	return Frame{Event: event, Data: b}
}

// RegisterPayload is the data for EventRegister.
type RegisterPayload struct {
	UserID string `json:"userId"`
}

// PresenceUser is one entry in the EventUsers broadcast.
type PresenceUser struct {
	UserID string `json:"userId"`
}

// Body is the message content union: Type is BodyText or BodyAudio.
// For text, Content is the message text; for audio, Content is the opaque
// media reference returned by the upload endpoint.
type Body struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Text returns a text Body.
func Text(s string) Body { return Body{Type: BodyText, Content: s} }

// Audio returns an audio Body carrying a media reference.
func Audio(ref string) Body { return Body{Type: BodyAudio, Content: ref} }

// SendMsgPayload is the data for EventSendMsg.
type SendMsgPayload struct {
	To   string `json:"to"`
	From string `json:"from"`
	Msg  Body   `json:"msg"`
}

// RecvMsgPayload is the data for EventRecvMsg.
type RecvMsgPayload struct {
	From string `json:"from"`
	Msg  Body   `json:"msg"`
}

// CallInvitePayload is the data for EventCallInvite.
type CallInvitePayload struct {
	Kind string `json:"kind"` // CallVoice or CallVideo
	From string `json:"from"`
	To   string `json:"to"`
}

// CallSignalPayload is the data for EventCallAccept/Reject/End.
type CallSignalPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
