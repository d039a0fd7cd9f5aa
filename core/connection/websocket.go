package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	textMessage     = websocket.TextMessage
	closeCodeNormal = websocket.CloseNormalClosure
)

// NewWebSocketDialer builds a Dialer that opens one gorilla websocket per
// conversation against the given endpoint, e.g.
// "wss://assist.example.com/v1/stream".
func NewWebSocketDialer(endpoint string) Dialer {
	return func(ctx context.Context, params DialParams) (Conn, error) {
		streamURL, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid stream endpoint: %w", err)
		}

		queryParams := streamURL.Query()
		queryParams.Set("conversation_id", params.ConversationID)
		if params.ModelHint != "" {
			queryParams.Set("model", params.ModelHint)
		}
		streamURL.RawQuery = queryParams.Encode()

		header := http.Header{}
		if params.AuthToken != "" {
			header.Set("Authorization", "Bearer "+params.AuthToken)
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, streamURL.String(), header)
		if err != nil {
			return nil, fmt.Errorf("failed to open socket connection: %w", err)
		}

		return conn, nil
	}
}

func closeInfoFromError(err error) CloseInfo {
	info := CloseInfo{At: time.Now(), Reason: err.Error()}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		info.Code = closeErr.Code
		info.Reason = closeErr.Text
	}

	return info
}
