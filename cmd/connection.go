// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"
)

// passwordEnv holds the WebSocket password when set.
const passwordEnv = "CANHACKER_PASSWORD"

// slcanSubprotocol is offered by both ends of a WebSocket link. Peers that
// do not negotiate it are still accepted.
const slcanSubprotocol = "slcan"

// Connection carries the Lawicel byte stream. On the adapter side it is the
// host link, on the host side the adapter link.
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// ErrConnectionClosed is returned once the peer has closed a WebSocket link
// normally.
var ErrConnectionClosed = errors.New("websocket connection closed")

//////////////////////////////////////////////////////////////
// Serial
//////////////////////////////////////////////////////////////

// SerialConnection is a link over a tty: a USB CDC adapter, the gadget end
// on the adapter, or one end of a pty pair.
type SerialConnection struct {
	serial.Port
}

// OpenSerialConnection opens portName at 8N1. DTR is raised because CDC
// adapters only talk once the host asserts it; pseudo terminals reject the
// request, which is logged and ignored. Bytes left over from an earlier
// session are discarded.
func OpenSerialConnection(portName string, baudRate int) (Connection, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	if err := port.SetDTR(true); err != nil {
		glog.V(1).Infof("%s: DTR not set: %v", portName, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		glog.V(1).Infof("%s: input not flushed: %v", portName, err)
	}
	return &SerialConnection{Port: port}, nil
}

//////////////////////////////////////////////////////////////
// WebSocket
//////////////////////////////////////////////////////////////

// WebSocketConnection turns WebSocket messages into a byte stream. Text and
// binary messages are both accepted since Lawicel is plain ASCII; writes go
// out as binary messages.
type WebSocketConnection struct {
	conn    *websocket.Conn
	pending []byte
	readErr error
	writeMu sync.Mutex
}

// NewWebSocketConnection wraps an established WebSocket, such as one
// accepted by the serve command.
func NewWebSocketConnection(conn *websocket.Conn) *WebSocketConnection {
	return &WebSocketConnection{conn: conn}
}

func (w *WebSocketConnection) Read(p []byte) (int, error) {
	for len(w.pending) == 0 {
		if w.readErr != nil {
			return 0, w.readErr
		}
		kind, data, err := w.conn.ReadMessage()
		switch {
		case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			w.readErr = ErrConnectionClosed
		case err != nil:
			w.readErr = err
		case kind == websocket.TextMessage || kind == websocket.BinaryMessage:
			w.pending = data
		}
	}
	n := copy(p, w.pending)
	w.pending = w.pending[n:]
	return n, nil
}

func (w *WebSocketConnection) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a normal close frame so the peer sees a clean end of session,
// then drops the connection.
func (w *WebSocketConnection) Close() error {
	w.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	w.writeMu.Unlock()
	return w.conn.Close()
}

// Subprotocol returns the negotiated subprotocol, empty if none.
func (w *WebSocketConnection) Subprotocol() string {
	return w.conn.Subprotocol()
}

// OpenWebSocketConnection dials wsURL with HTTP Basic auth when a username
// is given.
func OpenWebSocketConnection(wsURL, username, password string, skipSSLVerify bool) (*WebSocketConnection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{slcanSubprotocol},
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}
	return NewWebSocketConnection(conn), nil
}

// GetPassword returns the password from CANHACKER_PASSWORD or prompts for
// it on the terminal.
func GetPassword() (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	defer fmt.Fprintln(os.Stderr)

	pw, err := term.ReadPassword(int(syscall.Stdin))
	if err == nil {
		return string(pw), nil
	}

	// Not a terminal: read a line instead
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

//////////////////////////////////////////////////////////////
// Selection from flags
//////////////////////////////////////////////////////////////

// linkTarget is where a command connects to, taken from the persistent
// connection flags.
type linkTarget struct {
	port        string
	baud        int
	url         string
	username    string
	noSSLVerify bool
}

func flagLinkTarget() linkTarget {
	return linkTarget{
		port:        portName,
		baud:        baudRate,
		url:         wsURL,
		username:    wsUsername,
		noSSLVerify: wsNoSSLVerify,
	}
}

// validate checks that exactly one link is selected.
func (t linkTarget) validate() error {
	switch {
	case t.port != "" && t.url != "":
		return fmt.Errorf("--port and --url are mutually exclusive")
	case t.url != "":
		return nil
	case t.port != "":
		if t.baud <= 0 {
			return fmt.Errorf("invalid baud rate %d", t.baud)
		}
		return nil
	}
	return fmt.Errorf("either --port or --url must be specified")
}

// String describes the link without credentials.
func (t linkTarget) String() string {
	if t.url != "" {
		display := t.url
		if u, err := url.Parse(t.url); err == nil {
			u.User = nil
			display = u.String()
		}
		return fmt.Sprintf("WebSocket: %s", display)
	}
	return fmt.Sprintf("Serial: %s @ %d baud", t.port, t.baud)
}

// credentials returns the Basic auth user, preferring --username over a
// user embedded in the URL, and the password given in the URL if any.
func (t linkTarget) credentials() (user, password string) {
	user = t.username
	if u, err := url.Parse(t.url); err == nil && u.User != nil {
		if user == "" {
			user = u.User.Username()
		}
		password, _ = u.User.Password()
	}
	return user, password
}

func (t linkTarget) open() (Connection, error) {
	if t.url == "" {
		return OpenSerialConnection(t.port, t.baud)
	}

	user, password := t.credentials()
	if user != "" && password == "" {
		var err error
		if password, err = GetPassword(); err != nil {
			return nil, err
		}
	}

	u, err := url.Parse(t.url)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	u.User = nil
	conn, err := OpenWebSocketConnection(u.String(), user, password, t.noSSLVerify)
	if err != nil {
		return nil, err
	}
	if p := conn.Subprotocol(); p != "" {
		glog.V(1).Infof("negotiated subprotocol %q", p)
	}
	return conn, nil
}

// OpenConnection opens the serial or WebSocket link selected by the flags
// and returns it with a description for display.
func OpenConnection() (Connection, string, error) {
	target := flagLinkTarget()
	if err := target.validate(); err != nil {
		return nil, "", err
	}
	conn, err := target.open()
	if err != nil {
		return nil, "", err
	}
	return conn, target.String(), nil
}
