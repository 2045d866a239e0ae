// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/yosida95/uritemplate/v3"

	"github.com/riverrpc/river"
)

// wsConn adapts a *websocket.Conn to river.Connection: a background read
// loop pushes frames to the installed onData listener instead of exposing
// a blocking Read.
type wsConn struct {
	conn *websocket.Conn

	mu      sync.Mutex
	onData  func([]byte)
	onClose func()
	onError func(error)
	closed  bool

	writeMu sync.Mutex
}

func newWSConn(c *websocket.Conn) *wsConn {
	w := &wsConn{conn: c}
	go w.readLoop()
	return w
}

func (w *wsConn) readLoop() {
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			already := w.closed
			w.closed = true
			onError, onClose := w.onError, w.onClose
			w.mu.Unlock()
			if !already {
				if onError != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					onError(err)
				}
				if onClose != nil {
					onClose()
				}
			}
			return
		}
		w.mu.Lock()
		onData := w.onData
		w.mu.Unlock()
		if onData != nil {
			onData(data)
		}
	}
}

func (w *wsConn) SetListeners(onData func([]byte), onClose func(), onError func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onData = onData
	w.onClose = onClose
	w.onError = onError
}

func (w *wsConn) Send(data []byte) bool {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, data) == nil
}

func (w *wsConn) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.conn.Close()
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{"river"},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

// UpgradeHandler returns an http.HandlerFunc that upgrades every inbound
// request to a WebSocket and hands the resulting Connection to accept,
// typically ServerTransport.HandleConnection.
func UpgradeHandler(accept func(river.Connection)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, fmt.Sprintf("river: websocket upgrade failed: %v", err), http.StatusBadRequest)
			return
		}
		accept(newWSConn(c))
	}
}

// DialURLTemplate builds a dial URL from a peer id via a URI template, so a
// ClientTransport can be pointed at a fleet of servers addressed by peer
// id rather than a single fixed URL (e.g. "ws://{peer}.internal:8080/river").
type DialURLTemplate struct {
	tmpl   *uritemplate.Template
	dialer *websocket.Dialer
}

// NewDialURLTemplate parses raw as a URI template with a "peer" variable.
func NewDialURLTemplate(raw string) (*DialURLTemplate, error) {
	tmpl, err := uritemplate.New(raw)
	if err != nil {
		return nil, fmt.Errorf("river: invalid dial URL template: %w", err)
	}
	return &DialURLTemplate{tmpl: tmpl, dialer: websocket.DefaultDialer}, nil
}

// Dial implements river.DialFunc, expanding the template with to bound to
// "peer" and opening a WebSocket connection to the resulting URL.
func (d *DialURLTemplate) Dial(ctx context.Context, to string) (river.Connection, error) {
	values := uritemplate.Values{}
	values.Set("peer", uritemplate.String(to))
	u, err := d.tmpl.Expand(values)
	if err != nil {
		return nil, fmt.Errorf("river: failed to expand dial URL: %w", err)
	}
	c, resp, err := d.dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("river: websocket dial failed: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("river: websocket dial failed: %w", err)
	}
	return newWSConn(c), nil
}
