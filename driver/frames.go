package driver

// Wire format: line-delimited JSON over the child's stdin/stdout.
// Outbound frames carry one user prompt; inbound frames are discriminated
// by their "type" field. Only "assistant" and "result" contribute to the
// reply; everything else is consumed to advance the stream.

type userFrame struct {
	Type    string      `json:"type"`
	Message userMessage `json:"message"`
}

type userMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type inboundFrame struct {
	Type    string            `json:"type"`
	Message *assistantMessage `json:"message,omitempty"`

	// Result is the canonical final reply when present on a "result"
	// frame, even if empty. When absent the accumulated assistant
	// text is the reply.
	Result  *string `json:"result,omitempty"`
	IsError bool    `json:"is_error,omitempty"`
	Subtype string  `json:"subtype,omitempty"`
}

type assistantMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
