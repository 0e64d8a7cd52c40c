package chatsync

// EventName is a logical inbound event. Servers emit each under one of
// several wire names; the alias table maps them back.
type EventName string

const (
	EventNewMessage  EventName = "new_message"
	EventDelivered   EventName = "message_delivered"
	EventRead        EventName = "message_read"
	EventDeleted     EventName = "message_deleted"
	EventTyping      EventName = "typing"
	EventStopTyping  EventName = "stop_typing"
	EventOnlineUsers EventName = "online_users"
	EventUserStatus  EventName = "user_status"
)

// Outbound and control wire names.
const (
	wireSendMessage  = "send_message"
	wireMarkRead     = "mark_read"
	wireTyping       = "typing"
	wireAck          = "ack"
	wireConnect      = "connect"
	wireConnectError = "connect_error"
)

// DefaultAliases lists the wire names recognised for every logical event.
var DefaultAliases = map[EventName][]string{
	EventNewMessage:  {"new_message", "message", "newMessage", "receive_message", "message.new"},
	EventDelivered:   {"message_delivered", "messageDelivered", "message_sent", "messageSent", "delivered"},
	EventRead:        {"message_read", "messageRead", "messages_read", "messagesRead"},
	EventDeleted:     {"message_deleted", "messageDeleted"},
	EventTyping:      {"typing", "user_typing", "userTyping", "typing.indicator"},
	EventStopTyping:  {"stop_typing", "stopTyping"},
	EventOnlineUsers: {"online_users", "getOnlineUsers", "onlineUsers"},
	EventUserStatus:  {"user_status", "userStatus", "user_status_change", "presence.changed"},
}

var handshakeAliases = map[string]bool{
	wireConnect:     true,
	"connected":     true,
	"authenticated": true,
}

var handshakeErrorAliases = map[string]bool{
	wireConnectError: true,
	"unauthorized":   true,
	"auth_error":     true,
}

type aliasTable struct {
	byWire map[string]EventName
}

// newAliasTable builds the reverse lookup. Extra aliases are added on top of
// DefaultAliases; a wire name claimed twice keeps its first owner.
func newAliasTable(extra map[EventName][]string) *aliasTable {
	t := &aliasTable{byWire: make(map[string]EventName)}
	for _, src := range []map[EventName][]string{DefaultAliases, extra} {
		for event, names := range src {
			for _, name := range names {
				if _, taken := t.byWire[name]; !taken {
					t.byWire[name] = event
				}
			}
		}
	}
	return t
}

func (t *aliasTable) resolve(wire string) (EventName, bool) {
	e, ok := t.byWire[wire]
	return e, ok
}
