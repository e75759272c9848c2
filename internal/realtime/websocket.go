package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 5 * time.Second

// WebsocketDialer connects to the raw websocket endpoint of the SockJS
// realtime handler.
type WebsocketDialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

// NewWebsocketDialer derives the websocket URL from the server base URL.
func NewWebsocketDialer(serverURL string) (*WebsocketDialer, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("realtime url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("realtime url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/websocket"
	return &WebsocketDialer{URL: u.String(), Dialer: websocket.DefaultDialer}, nil
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	c, _, err := d.Dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	_ = w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}

var (
	sharedOnce sync.Once
	shared     *Adapter
	sharedErr  error
)

// Shared returns the process-wide adapter, creating and starting it on the
// first call. Later calls ignore their arguments.
func Shared(serverURL string, log logrus.FieldLogger) (*Adapter, error) {
	sharedOnce.Do(func() {
		d, err := NewWebsocketDialer(serverURL)
		if err != nil {
			sharedErr = err
			return
		}
		shared = New(d, Options{Log: log})
		shared.Start(context.Background())
	})
	return shared, sharedErr
}
