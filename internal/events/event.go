package events

// Event names used on the channel. The server relays call_* events between
// the two participants of a call; room events are fanned out per conversation.
const (
	EventJoinRoom       = "join_room"
	EventSendMessage    = "send_message"
	EventReceiveMessage = "receive_message"
	EventTyping         = "typing"
	EventStopTyping     = "stop_typing"

	EventCallUser     = "call_user"
	EventIncomingCall = "incoming_call"
	EventAcceptCall   = "accept_call"
	EventCallAccepted = "call_accepted"
	EventRejectCall   = "reject_call"
	EventCallRejected = "call_rejected"
	EventEndCall      = "end_call"
	EventCallEnded    = "call_ended"
	EventCallSignal   = "call_signal"
)
