package livequery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 10 * time.Second
	defaultPongTimeout  = 60 * time.Second
	defaultReadLimit    = 1 << 20
)

var (
	errTransportClosed = errors.New("websocket transport: closed")
	errTransportFull   = errors.New("websocket transport: outbound queue full")
)

// WebsocketSettings tunes one websocket connection.
type WebsocketSettings struct {
	QueueSize    int
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	ReadLimit    int64
}

func (s WebsocketSettings) withDefaults() WebsocketSettings {
	if s.QueueSize <= 0 {
		s.QueueSize = defaultQueueSize
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = defaultWriteTimeout
	}
	if s.PongTimeout <= 0 {
		s.PongTimeout = defaultPongTimeout
	}
	if s.ReadLimit <= 0 {
		s.ReadLimit = defaultReadLimit
	}
	return s
}

// websocketTransport queues envelopes for a single writer goroutine and drops them when the
// peer falls behind, so fan-out never blocks on a slow connection.
type websocketTransport struct {
	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWebsocketTransport(queueSize int) *websocketTransport {
	return &websocketTransport{
		outbound: make(chan []byte, queueSize),
		done:     make(chan struct{}),
	}
}

func (t *websocketTransport) Send(payload []byte) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	select {
	case t.outbound <- payload:
		return nil
	case <-t.done:
		return errTransportClosed
	default:
		return errTransportFull
	}
}

func (t *websocketTransport) close() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
}

// ServeWebsocket runs the live query protocol on ws until the peer disconnects or ctx ends.
func ServeWebsocket(ctx context.Context, server *Server, ws *websocket.Conn, settings WebsocketSettings, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings = settings.withDefaults()
	transport := newWebsocketTransport(settings.QueueSize)
	conn := server.Open(transport)

	handleCtx, handleCancel := context.WithCancel(ctx)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer handleCancel()
		writeLoop(handleCtx, ws, transport, settings, logger)
	}()

	readErr := readLoop(handleCtx, server, conn, ws, settings)
	handleCancel()
	<-writerDone
	transport.close()
	_ = ws.Close()
	server.Close(conn, readErr)
}

func readLoop(ctx context.Context, server *Server, conn *Conn, ws *websocket.Conn, settings WebsocketSettings) error {
	ws.SetReadLimit(settings.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(settings.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(settings.PongTimeout))
	})
	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return err
		}
		_ = ws.SetReadDeadline(time.Now().Add(settings.PongTimeout))
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		server.Receive(conn, message)
	}
}

func writeLoop(ctx context.Context, ws *websocket.Conn, transport *websocketTransport, settings WebsocketSettings, logger *zap.Logger) {
	pingTicker := time.NewTicker(settings.PongTimeout / 2)
	defer pingTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = ws.Close()
			return
		case payload := <-transport.outbound:
			_ = ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				_ = ws.Close()
				return
			}
		case <-pingTicker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}
