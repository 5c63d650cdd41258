package webhook

// Message is the envelope pushed to WebSocket subscribers.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// MessageType constants
const (
	TypePositions = "positions"
	TypeCommand   = "margin_command"
	TypeRefresh   = "refresh"
)

// NewPositionsMessage wraps a position snapshot for broadcast.
func NewPositionsMessage(data interface{}) Message {
	return Message{Type: TypePositions, Data: data}
}

// NewCommandMessage wraps an executed margin command for broadcast.
func NewCommandMessage(data interface{}) Message {
	return Message{Type: TypeCommand, Data: data}
}

// NewRefreshMessage announces a manual refresh request.
func NewRefreshMessage(data interface{}) Message {
	return Message{Type: TypeRefresh, Data: data}
}
