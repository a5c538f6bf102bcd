package remoting

import (
	"encoding/json"
	"fmt"
	"io"
)

// Reply is the envelope returned for every invocation.
type Reply struct {
	Status string          `json:"status"` // ok | error
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// EncodeReply serializes the outcome of an invocation to w.
func EncodeReply(w io.Writer, result any, invokeErr error) error {
	reply := Reply{Status: "ok"}
	if invokeErr != nil {
		reply = Reply{Status: "error", Error: invokeErr.Error(), Code: codeFor(invokeErr)}
	} else if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			reply = Reply{Status: "error", Error: fmt.Sprintf("encode result: %v", err)}
		} else {
			reply.Result = b
		}
	}
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}
	return nil
}

// DecodeReply reads a Reply from r and returns its result, or the remote
// error it carries.
func DecodeReply(r io.Reader) (json.RawMessage, error) {
	var reply Reply
	if err := json.NewDecoder(r).Decode(&reply); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}

	switch reply.Status {
	case "ok":
		return reply.Result, nil
	case "error":
		if reply.Error == "" {
			return nil, fmt.Errorf("reply has status=error but no error message")
		}
		return nil, &RemoteError{Code: reply.Code, Message: reply.Error}
	case "":
		return nil, fmt.Errorf("reply missing required field: status")
	default:
		return nil, fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", reply.Status)
	}
}
