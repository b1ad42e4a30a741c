package conn

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/switchyard-chat/switchyard/internal/config"
)

const pingWriteTimeout = 10 * time.Second

// keepalive pings the bridge every interval and lets the read deadline lapse
// when nothing, pong or data, arrives within wait. The expired deadline
// surfaces in readLoop as an ordinary transient close.
type keepalive struct {
	ws       *websocket.Conn
	writeMu  *sync.Mutex
	interval time.Duration
	wait     time.Duration

	done chan struct{}
	once sync.Once
}

// newKeepalive returns a disabled keepalive unless both durations are set.
func newKeepalive(ws *websocket.Conn, writeMu *sync.Mutex, cfg config.BridgeConfig) *keepalive {
	k := &keepalive{ws: ws, writeMu: writeMu, done: make(chan struct{})}
	if cfg.PingInterval.Duration > 0 && cfg.PongWait.Duration > 0 {
		k.interval = cfg.PingInterval.Duration
		k.wait = cfg.PongWait.Duration
	}
	return k
}

// start arms the read deadline and begins pinging.
func (k *keepalive) start() {
	if k.wait == 0 {
		return
	}
	k.touch()
	k.ws.SetPongHandler(func(string) error {
		k.touch()
		return nil
	})
	go k.run()
}

// touch pushes the read deadline out. It must be called from the reading
// goroutine.
func (k *keepalive) touch() {
	if k.wait > 0 {
		_ = k.ws.SetReadDeadline(time.Now().Add(k.wait))
	}
}

func (k *keepalive) run() {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			k.writeMu.Lock()
			err := k.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteTimeout))
			k.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-k.done:
			return
		}
	}
}

func (k *keepalive) stop() {
	k.once.Do(func() { close(k.done) })
}
