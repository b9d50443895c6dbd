package eventbus

import (
	"bytes"
	"encoding/json"

	"github.com/compiler-explorer/ce-router/core/infra/logging"
)

// handleFrame decodes one inbound text frame. JSON objects are handed to
// the handler as message events; frames that look like JSON but fail to
// parse are logged and dropped; anything else (non-JSON chatter) is
// silently ignored.
func (c *Client) handleFrame(data []byte) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return
	}
	switch trimmed[0] {
	case '{', '[':
	default:
		return
	}

	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		logging.Error("eventbus", "malformed frame dropped", "error", err)
		return
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return
	}
	if c.handler != nil {
		c.handler.OnMessage(obj)
	}
}
