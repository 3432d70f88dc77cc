package fieldsync

import (
	"context"
	"fmt"
	"strings"

	"nhooyr.io/websocket"
)

// WebsocketProbe checks reachability by dialing the API's websocket
// endpoint, the same transport the app's chat rides on. A completed
// handshake counts as online regardless of what the server says next.
type WebsocketProbe struct {
	url  string
	opts *websocket.DialOptions
}

func NewWebsocketProbe(url string, opts *websocket.DialOptions) (*WebsocketProbe, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("%w: probe url is required", ErrInvalidInput)
	}
	return &WebsocketProbe{url: url, opts: opts}, nil
}

func (p *WebsocketProbe) Check(ctx context.Context) (bool, error) {
	conn, resp, err := websocket.Dial(ctx, p.url, p.opts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, err
	}
	_ = conn.Close(websocket.StatusNormalClosure, "reachability probe")
	return true, nil
}
