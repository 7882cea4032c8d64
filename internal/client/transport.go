package client

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/loanchat/chat-app/internal/chaterr"
)

// Transport is one physical connection to the chat server.
type Transport interface {
	// Send writes one text message.
	Send(ctx context.Context, data []byte) error
	// Receive blocks for the next text message. It is called from a single
	// goroutine.
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens transports. Errors are classified with chaterr kinds:
// Unauthenticated for a rejected token, Timeout, or Transport.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Transport, error)
}

// WSDialer dials the chat server with gobwas/ws.
type WSDialer struct {
	Timeout      time.Duration // dial and handshake bound, zero for none
	WriteTimeout time.Duration // per-message write bound when ctx has no deadline
}

func (d WSDialer) Dial(ctx context.Context, url, token string) (Transport, error) {
	dialer := ws.Dialer{
		Header:  ws.HandshakeHeaderHTTP(http.Header{"Authorization": []string{"Bearer " + token}}),
		Timeout: d.Timeout,
	}

	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		var status ws.StatusError
		if errors.As(err, &status) {
			switch int(status) {
			case http.StatusUnauthorized:
				return nil, chaterr.Wrap(chaterr.KindUnauthenticated, "handshake rejected", err)
			case http.StatusGatewayTimeout:
				return nil, chaterr.Wrap(chaterr.KindTimeout, "token verification timed out", err)
			}
		}
		return nil, chaterr.Wrap(chaterr.KindTransport, "dial failed", err)
	}

	// br holds frames the server sent right after the handshake.
	var src io.Reader = conn
	if br != nil {
		src = io.MultiReader(br, conn)
	}
	t := &wsTransport{conn: conn, writeTimeout: d.WriteTimeout}
	t.rd = wsutil.Reader{Source: src, State: ws.StateClientSide}
	return t, nil
}

type wsTransport struct {
	conn         net.Conn
	rd           wsutil.Reader
	writeTimeout time.Duration

	mu sync.Mutex // serializes frame writes
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setWriteDeadline(ctx)
	defer t.conn.SetWriteDeadline(time.Time{})
	return wsutil.WriteClientMessage(t.conn, ws.OpText, data)
}

func (t *wsTransport) Receive() ([]byte, error) {
	for {
		hdr, err := t.rd.NextFrame()
		if err != nil {
			return nil, err
		}
		payload, err := io.ReadAll(&t.rd)
		if err != nil {
			return nil, err
		}

		switch hdr.OpCode {
		case ws.OpText, ws.OpBinary:
			return payload, nil
		case ws.OpPing:
			if err := t.writeControl(ws.NewPongFrame(payload)); err != nil {
				return nil, err
			}
		case ws.OpClose:
			_ = t.writeControl(ws.NewCloseFrame(nil))
			return nil, io.EOF
		}
	}
}

func (t *wsTransport) writeControl(f ws.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setWriteDeadline(context.Background())
	defer t.conn.SetWriteDeadline(time.Time{})
	return ws.WriteFrame(t.conn, ws.MaskFrameInPlace(f))
}

func (t *wsTransport) setWriteDeadline(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
	} else if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
}

func (t *wsTransport) Close() error {
	_ = t.writeControl(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
	return t.conn.Close()
}
