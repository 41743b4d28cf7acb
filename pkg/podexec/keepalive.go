package podexec

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// keepalive sends an empty resize-channel frame every interval while conn
// is open, to defeat intermediate-proxy idle reaps. It runs as a second
// concurrent goroutine joined to the caller via a cancellation channel,
// and exits as soon as the socket closes or stop fires.
func keepalive(conn *websocket.Conn, interval time.Duration, stop <-chan struct{}, writeMu *sync.Mutex) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteMessage(websocket.BinaryMessage, []byte{channelResize})
			writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
