package model

// Inbound event names sent by clients.
const (
	EventJoin    = "join"
	EventLeave   = "leave"
	EventMessage = "message"
)

// Outbound event names sent by server.
const (
	OutboundMessage = "message"
	OutboundError   = "error"
)

// Notice types produced by room membership changes.
const (
	NoticeJoined = "joined"
	NoticeLeft   = "left"
)

// AnonymousLabel is rendered in notices for connections without identity.
const AnonymousLabel = "anonymous"

// Inbound is a client request decoded from the websocket.
type Inbound struct {
	Event string `json:"event" validate:"required,oneof=join leave message"`
	Room  string `json:"room" validate:"required,max=128"`
	Msg   string `json:"msg"`
}

// Outbound is what server writes to the websocket.
type Outbound struct {
	Event string `json:"event"`
	Room  string `json:"room,omitempty"`
	Msg   string `json:"msg"`
	User  string `json:"user,omitempty"`
}

// Message is a single publish. It lives only for the duration of the fan-out.
type Message struct {
	Room        string
	Body        string
	SenderLabel string
}

// Notice announces a membership change in a room.
type Notice struct {
	Type  string
	Room  string
	Label string
}

// Text renders notice the way clients display it.
func (n Notice) Text() string {
	label := n.Label
	if label == "" {
		label = AnonymousLabel
	}
	switch n.Type {
	case NoticeJoined:
		return "User " + label + " has joined the room: " + n.Room
	case NoticeLeft:
		return "User " + label + " has left the room: " + n.Room
	default:
		return ""
	}
}

// Outbound converts notice to its wire form.
func (n Notice) Outbound() Outbound {
	return Outbound{
		Event: OutboundMessage,
		Room:  n.Room,
		Msg:   n.Text(),
	}
}

// Outbound converts message to its wire form.
func (m Message) Outbound() Outbound {
	return Outbound{
		Event: OutboundMessage,
		Room:  m.Room,
		Msg:   m.Body,
		User:  m.SenderLabel,
	}
}

// ErrorNotice builds a rejected-action event.
func ErrorNotice(room, text string) Outbound {
	return Outbound{
		Event: OutboundError,
		Room:  room,
		Msg:   text,
	}
}

type RoomInfo struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

type User struct {
	Username     string
	PasswordHash string
}
