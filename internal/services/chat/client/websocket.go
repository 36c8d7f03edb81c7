package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sessionCookieName = "chat_session"
	tokenQueryParam   = "token"
	closeWriteWait    = time.Second
)

// WebSocketDialer dials the chat server's /ws endpoint. The identity token is
// sent as the token query parameter; the session cookie as chat_session.
type WebSocketDialer struct {
	URL    string
	Dialer *websocket.Dialer
	Header http.Header
}

// Dial opens a websocket transport. A 401 or 403 handshake response is
// reported as ErrUnauthorized.
func (d WebSocketDialer) Dial(ctx context.Context, req DialRequest) (Transport, error) {
	target, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse chat url: %w", err)
	}
	header := http.Header{}
	for key, values := range d.Header {
		header[key] = append([]string(nil), values...)
	}
	switch {
	case req.Token != "":
		query := target.Query()
		query.Set(tokenQueryParam, req.Token)
		target.RawQuery = query.Encode()
	case req.SessionCookie != "":
		header.Add("Cookie", (&http.Cookie{Name: sessionCookieName, Value: req.SessionCookie}).String())
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial chat server: %w", err)
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteWait))
		t.closeErr = t.conn.Close()
		if errors.Is(t.closeErr, net.ErrClosed) {
			t.closeErr = nil
		}
	})
	return t.closeErr
}
