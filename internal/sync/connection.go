package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/evcraddock/todufit-go/internal/wire"
)

// Internal reader signals. errIdle ends the current document session only;
// errPeerClosed ends the run after a graceful server close.
var (
	errIdle       = errors.New("sync: idle window elapsed")
	errPeerClosed = errors.New("sync: peer closed the connection")
)

// connection is one established, handshaken websocket to the relay. A
// dedicated reader goroutine pumps frames into a channel so a per-session
// idle timeout never tears down the underlying socket.
type connection struct {
	ws           *websocket.Conn
	peerID       string
	serverPeerID string
	frames       chan incomingFrame
	done         chan struct{}
	logger       *slog.Logger
}

// incomingFrame is one raw frame or the reader's terminal error.
type incomingFrame struct {
	data []byte
	err  error
}

// connect dials the relay, performs the join/peer handshake, and returns a
// ready connection.
func (c *Client) connect(ctx context.Context) (*connection, error) {
	wsURL := buildWSURL(c.serverURL, c.apiKey)

	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	ws.SetReadLimit(wire.MaxFrameSize)

	conn := &connection{
		ws:     ws,
		peerID: uuid.NewString(),
		frames: make(chan incomingFrame, frameBuffer),
		done:   make(chan struct{}),
		logger: c.logger,
	}

	go conn.readLoop(ctx)

	if err := conn.handshake(ctx); err != nil {
		conn.close()
		return nil, err
	}

	return conn, nil
}

// readLoop pumps frames from the socket into the channel until the
// connection dies. Websocket-level pings are answered by the library during
// the blocking read.
func (conn *connection) readLoop(ctx context.Context) {
	defer close(conn.frames)

	for {
		typ, data, err := conn.ws.Read(ctx)
		if err != nil {
			conn.deliver(incomingFrame{err: classifyReadError(err)})
			return
		}

		if typ != websocket.MessageBinary {
			conn.logger.Debug("ignoring non-binary frame")
			continue
		}

		if !conn.deliver(incomingFrame{data: data}) {
			return
		}
	}
}

// classifyReadError distinguishes graceful closure from transport failure.
func classifyReadError(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return errPeerClosed
	default:
		return fmt.Errorf("%w: %w", ErrWebSocket, err)
	}
}

// handshake sends join and waits for the matching peer reply.
func (conn *connection) handshake(ctx context.Context) error {
	if err := conn.send(ctx, wire.NewJoin(conn.peerID)); err != nil {
		return fmt.Errorf("%w: sending join: %w", ErrHandshake, err)
	}

	timer := time.NewTimer(handshakeTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrHandshake, ctx.Err())

		case <-timer.C:
			return ErrHandshakeTimeout

		case frame, ok := <-conn.frames:
			if !ok || frame.err != nil {
				return fmt.Errorf("%w: connection closed before handshake completed", ErrHandshake)
			}

			msg, err := wire.Decode(frame.data)
			if err != nil {
				if errors.Is(err, wire.ErrUnknownType) {
					conn.logger.Debug("skipping unknown frame during handshake")
					continue
				}

				return fmt.Errorf("%w: %w", ErrHandshake, err)
			}

			switch m := msg.(type) {
			case *wire.Peer:
				if m.TargetID != conn.peerID {
					return fmt.Errorf("%w: peer reply target mismatch", ErrHandshake)
				}

				conn.serverPeerID = m.SenderID

				return nil

			case *wire.Error:
				return fmt.Errorf("%w: %s", ErrHandshake, m.Message)

			default:
				return fmt.Errorf("%w: unexpected %s message during handshake", ErrHandshake, msg.Kind())
			}
		}
	}
}

// send encodes and writes one frame.
func (conn *connection) send(ctx context.Context, msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	if err := conn.ws.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("%w: %w", ErrWebSocket, err)
	}

	return nil
}

// nextFrame returns the next decoded frame, (nil, nil) for a skippable
// unknown frame type, errIdle when the idle window elapses, or the reader's
// terminal error.
func (conn *connection) nextFrame(ctx context.Context, idle time.Duration) (wire.Message, error) {
	timer := time.NewTimer(idle)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrWebSocket, ctx.Err())

	case <-timer.C:
		return nil, errIdle

	case frame, ok := <-conn.frames:
		if !ok {
			return nil, errPeerClosed
		}

		if frame.err != nil {
			return nil, frame.err
		}

		msg, err := wire.Decode(frame.data)
		if err != nil {
			if errors.Is(err, wire.ErrUnknownType) {
				conn.logger.Debug("skipping frame with unknown type", slog.String("error", err.Error()))
				return nil, nil
			}

			return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
		}

		return msg, nil
	}
}

// leave announces a graceful disconnect; failures are irrelevant because
// the socket is closed immediately after.
func (conn *connection) leave(ctx context.Context) {
	_ = conn.send(ctx, wire.NewLeave(conn.peerID))
}

// deliver hands a frame to the consumer, bailing out once the connection is
// being torn down so the reader goroutine never blocks forever.
func (conn *connection) deliver(frame incomingFrame) bool {
	select {
	case conn.frames <- frame:
		return true
	case <-conn.done:
		return false
	}
}

// close tears down the socket and releases the reader goroutine.
func (conn *connection) close() {
	close(conn.done)
	_ = conn.ws.Close(websocket.StatusNormalClosure, "")
}
