package remoting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/chirino/meshkeeper-sub000/internal/auth"
)

// Caller invokes methods on remote stubs.
type Caller struct {
	client *http.Client
	token  string
}

// NewCaller returns a Caller that presents token to remote exporters.
func NewCaller(token string, client *http.Client) *Caller {
	if client == nil {
		client = &http.Client{}
	}
	return &Caller{client: client, token: token}
}

// Call invokes method on stub with args and decodes the result into reply,
// which may be nil. Deadlines come from ctx.
func (c *Caller) Call(ctx context.Context, stub Stub, method string, args, reply any) error {
	if stub.IsZero() {
		return fmt.Errorf("%w: empty stub", ErrNoSuchObject)
	}

	body := []byte("null")
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encode %s arguments: %w", method, err)
		}
		body = b
	}

	target := stub.Address + "/v1/objects/" + url.PathEscape(stub.ID) + "/" + url.PathEscape(method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	auth.SetBearer(req, c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	result, err := DecodeReply(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if reply == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, reply); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
