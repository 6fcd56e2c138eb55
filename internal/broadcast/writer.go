package broadcast

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	messageBufferSize = 16

	// ReadTimeout is how long a session may stay silent (no message, no pong)
	// before its read deadline expires.
	ReadTimeout = 60 * time.Second
)

// clientWriter owns every write to one session's connection.
type clientWriter struct {
	connection  *websocket.Conn
	clock       clockwork.Clock
	sendChannel chan []byte
	doneChannel chan struct{}
	// closeFrame is set before doneChannel is closed and read by run after.
	closeFrame []byte
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func newClientWriter(connection *websocket.Conn, clock clockwork.Clock) *clientWriter {
	cw := &clientWriter{
		connection:  connection,
		clock:       clock,
		sendChannel: make(chan []byte, messageBufferSize),
		doneChannel: make(chan struct{}),
	}
	cw.configurePongHandler()
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case msg := <-cw.sendChannel:
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				// Closing unblocks the session's read loop, which drives the close path.
				_ = cw.connection.Close()
				return
			}
		case <-ticker.Chan():
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = cw.connection.Close()
				return
			}
		case <-cw.doneChannel:
			if cw.closeFrame != nil {
				cw.updateWriteDeadline()
				_ = cw.connection.WriteMessage(websocket.CloseMessage, cw.closeFrame)
			}
			_ = cw.connection.Close()
			return
		}
	}
}

// enqueue hands msg to the writer without blocking. It returns false when the
// buffer is full.
func (cw *clientWriter) enqueue(msg []byte) bool {
	select {
	case cw.sendChannel <- msg:
		return true
	default:
		return false
	}
}

// stop closes the connection at once, aborting any in-flight write, and waits
// for run to exit.
func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
	})
	_ = cw.connection.Close()
	cw.wg.Wait()
}

// closeWith asks run to write a close frame with code and reason and then
// close the connection. It returns without waiting for either write.
func (cw *clientWriter) closeWith(code int, reason string) {
	cw.stopOnce.Do(func() {
		cw.closeFrame = websocket.FormatCloseMessage(code, reason)
		close(cw.doneChannel)
	})
}

// wait blocks until run has exited.
func (cw *clientWriter) wait() {
	cw.wg.Wait()
}

func (cw *clientWriter) configurePongHandler() {
	ExtendReadDeadline(cw.connection)
	cw.connection.SetPongHandler(func(string) error {
		ExtendReadDeadline(cw.connection)
		return nil
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(time.Now().Add(writeDeadline))
}

// ExtendReadDeadline pushes the connection's read deadline ReadTimeout into
// the future. Socket deadlines are wall-clock, so this does not use the
// injected clock.
func ExtendReadDeadline(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(ReadTimeout))
}
