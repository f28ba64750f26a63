package ws

// ControlFrame is sent by subscribers on the state endpoint to add or drop a topic.
type ControlFrame struct {
	Topic     string `json:"topic"`
	Subscribe bool   `json:"subscribe"`
}

// PubFrame is a published message as delivered to subscribers.
type PubFrame struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

// RouterFrame carries requests and replies on the command endpoint. Identity holds the
// routing hops added by intermediaries, if any; the server's own hop is implicit.
type RouterFrame struct {
	Identity []string `json:"identity,omitempty"`
	Body     []byte   `json:"body"`
}
