package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	WebsocketModuleName = "websocket"

	websocketWriteTimeout = 10 * time.Second
)

func init() {
	Register(Module{Name: WebsocketModuleName, RequiredKeys: []string{"url"}, New: NewWebsocketNotifier})
}

type websocketEvent struct {
	Type   string     `json:"type"`
	Result SyncResult `json:"result"`
}

// WebsocketNotifier pushes one JSON event per linked file to a websocket
// endpoint, authenticating with an optional bearer token.
type WebsocketNotifier struct {
	url    string
	token  string
	result SyncResult
	deps   Deps
}

func NewWebsocketNotifier(result SyncResult, cfg ModuleConfig, deps Deps) (Notifier, error) {
	url := strings.TrimSpace(cfg.String("url", ""))
	if url == "" {
		return nil, fmt.Errorf("%w: websocket requires url", ErrMissingConfig)
	}
	return &WebsocketNotifier{
		url:    url,
		token:  strings.TrimSpace(cfg.String("token", "")),
		result: result,
		deps:   deps.withDefaults(),
	}, nil
}

func (w *WebsocketNotifier) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, websocketWriteTimeout)
	defer cancel()

	header := http.Header{}
	if w.token != "" {
		header.Set("Authorization", "Bearer "+w.token)
	}
	conn, resp, err := websocket.Dial(ctx, w.url, &websocket.DialOptions{
		HTTPClient: w.deps.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return &StatusError{Module: WebsocketModuleName, StatusCode: resp.StatusCode, Body: err.Error()}
		}
		return fmt.Errorf("%w: websocket dial: %v", ErrNotifierFailed, err)
	}
	if err := wsjson.Write(ctx, conn, websocketEvent{Type: "file.synced", Result: w.result}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "write failed")
		return fmt.Errorf("%w: websocket write: %v", ErrNotifierFailed, err)
	}
	w.deps.Logger.Debug("websocket event sent", "file_id", w.result.FileID)
	// written means delivered
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		w.deps.Logger.Debug("websocket close failed", "error", err)
	}
	return nil
}
