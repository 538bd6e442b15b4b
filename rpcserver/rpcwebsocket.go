package rpcserver

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/MonteCarloClub/acbcminer/mining"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/websocket"
)

const (
	// websocketSendBufferSize is the number of replies to client requests
	// that can wait for the output handler before the input handler
	// blocks.
	websocketSendBufferSize = 50

	// wsEventBufferSize is the number of miner notifications and client
	// registrations the notification manager buffers.  Miner
	// notifications arriving while the buffer is full are dropped.
	wsEventBufferSize = 256

	// maxPendingNotifications caps the notifications waiting to be
	// written to a single client.  The oldest one is dropped when a slow
	// client reaches the cap.
	maxPendingNotifications = 64
)

// ErrClientQuit describes the error where a client send is not processed due
// to the client having already been disconnected or dropped.
var ErrClientQuit = errors.New("client quit")

// registerClient and unregisterClient are the client bookkeeping events of
// the notification manager.
type registerClient struct{ wsc *wsClient }
type unregisterClient struct{ wsc *wsClient }

// wsNotificationManager tracks the connected websocket clients and fans the
// miner notifications out to them.  All state is owned by eventHandler.
type wsNotificationManager struct {
	server *Server

	// events carries *mining.Notification, registerClient and
	// unregisterClient values to eventHandler.
	events chan interface{}

	numClients chan int
	dropped    atomic.Uint64

	wg   sync.WaitGroup
	quit chan struct{}
}

// newWsNotificationManager returns a new notification manager ready for use.
func newWsNotificationManager(server *Server) *wsNotificationManager {
	return &wsNotificationManager{
		server:     server,
		events:     make(chan interface{}, wsEventBufferSize),
		numClients: make(chan int),
		quit:       make(chan struct{}),
	}
}

// NotifyMiner queues a miner notification for every websocket client.  It is
// called from the mining goroutines and never blocks.
func (m *wsNotificationManager) NotifyMiner(n *mining.Notification) {
	ntfn := *n
	select {
	case m.events <- &ntfn:
	case <-m.quit:
	default:
		dropped := m.dropped.Add(1)
		if dropped == 1 || dropped%1000 == 0 {
			log.Warnf("Websocket notification queue is full, %d "+
				"notifications dropped", dropped)
		}
	}
}

// broadcast marshals a notification once and hands it to every client.
func (m *wsNotificationManager) broadcast(clients map[*wsClient]struct{}, n *mining.Notification) {
	if len(clients) == 0 {
		return
	}
	marshalled, err := btcjson.MarshalCmd(btcjson.RpcVersion1, nil,
		NewMinerNotificationNtfn(n))
	if err != nil {
		log.Errorf("Failed to marshal miner notification: %v", err)
		return
	}
	for wsc := range clients {
		// A quitting client is unregistered by its handler.
		_ = wsc.QueueNotification(marshalled)
	}
}

// eventHandler processes the queued events one at a time until the manager
// is shut down.  It must be run as a goroutine.
func (m *wsNotificationManager) eventHandler() {
	defer m.wg.Done()

	clients := make(map[*wsClient]struct{})
	for {
		select {
		case e := <-m.events:
			switch e := e.(type) {
			case *mining.Notification:
				m.broadcast(clients, e)
			case registerClient:
				clients[e.wsc] = struct{}{}
			case unregisterClient:
				delete(clients, e.wsc)
			default:
				log.Warnf("Unhandled websocket event %T", e)
			}

		case m.numClients <- len(clients):

		case <-m.quit:
			for wsc := range clients {
				wsc.Disconnect()
			}
			return
		}
	}
}

// NumClients returns the number of clients actively being served.
func (m *wsNotificationManager) NumClients() (n int) {
	select {
	case n = <-m.numClients:
	case <-m.quit: // Use default n (0) if server has shut down.
	}
	return
}

// AddClient adds the passed websocket client to the notification manager.
func (m *wsNotificationManager) AddClient(wsc *wsClient) {
	select {
	case m.events <- registerClient{wsc}:
	case <-m.quit:
	}
}

// RemoveClient removes the passed websocket client.
func (m *wsNotificationManager) RemoveClient(wsc *wsClient) {
	select {
	case m.events <- unregisterClient{wsc}:
	case <-m.quit:
	}
}

// Start launches the event handler.
func (m *wsNotificationManager) Start() {
	m.wg.Add(1)
	go m.eventHandler()
}

// WaitForShutdown blocks until the event handler has finished.
func (m *wsNotificationManager) WaitForShutdown() {
	m.wg.Wait()
}

// Shutdown stops the event handler and disconnects every client.
func (m *wsNotificationManager) Shutdown() {
	close(m.quit)
}

// wsClient is one websocket connection.  The input handler reads and answers
// requests.  The output handler writes the replies and the pending
// notifications, so neither requests nor notifications wait on each other's
// producers.
type wsClient struct {
	sync.Mutex

	server  *Server
	conn    *websocket.Conn
	addr    string
	isAdmin bool

	// The following fields are protected by the embedded mutex.
	disconnected bool
	pending      [][]byte
	droppedNtfns int

	sendChan  chan []byte
	ntfnReady chan struct{}
	quit      chan struct{}
	wg        sync.WaitGroup
}

// newWebsocketClient returns a client for conn that is ready to start.
func newWebsocketClient(server *Server, conn *websocket.Conn,
	remoteAddr string, isAdmin bool) *wsClient {

	return &wsClient{
		server:    server,
		conn:      conn,
		addr:      remoteAddr,
		isAdmin:   isAdmin,
		sendChan:  make(chan []byte, websocketSendBufferSize),
		ntfnReady: make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
}

// inHandler answers the requests read from the connection.  It must be run
// as a goroutine.
func (c *wsClient) inHandler() {
	defer c.wg.Done()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if err != io.EOF && !c.Disconnected() {
				log.Debugf("Websocket receive error from %s: %v",
					c.addr, err)
			}
			break
		}

		reply := c.server.processBody(msg, c.isAdmin, c.quit)
		if reply != nil && c.SendMessage(reply) != nil {
			break
		}
	}

	c.Disconnect()
	log.Tracef("Websocket client input handler done for %s", c.addr)
}

// takePending removes and returns the queued notifications.
func (c *wsClient) takePending() [][]byte {
	c.Lock()
	pending := c.pending
	c.pending = nil
	c.Unlock()
	return pending
}

// write sends one message and disconnects the client when it fails.
func (c *wsClient) write(msg []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		log.Debugf("Websocket send error to %s: %v", c.addr, err)
		c.Disconnect()
		return false
	}
	return true
}

// outHandler writes replies and notifications to the connection.  It must be
// run as a goroutine.
func (c *wsClient) outHandler() {
	defer c.wg.Done()

out:
	for {
		select {
		case msg := <-c.sendChan:
			if !c.write(msg) {
				break out
			}

		case <-c.ntfnReady:
			for _, msg := range c.takePending() {
				if !c.write(msg) {
					break out
				}
			}

		case <-c.quit:
			break out
		}
	}
	log.Tracef("Websocket client output handler done for %s", c.addr)
}

// Disconnected returns whether or not the websocket client is disconnected.
func (c *wsClient) Disconnected() bool {
	c.Lock()
	defer c.Unlock()
	return c.disconnected
}

// SendMessage queues a reply to a request of the client.  It blocks while
// the client has websocketSendBufferSize replies outstanding.
func (c *wsClient) SendMessage(marshalledJSON []byte) error {
	select {
	case c.sendChan <- marshalledJSON:
		return nil
	case <-c.quit:
		return ErrClientQuit
	}
}

// QueueNotification queues a notification for the client without blocking.
// A client lagging maxPendingNotifications behind loses its oldest
// notification.
func (c *wsClient) QueueNotification(marshalledJSON []byte) error {
	c.Lock()
	defer c.Unlock()

	if c.disconnected {
		return ErrClientQuit
	}
	if len(c.pending) >= maxPendingNotifications {
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.droppedNtfns++
	}
	c.pending = append(c.pending, marshalledJSON)

	select {
	case c.ntfnReady <- struct{}{}:
	default:
	}
	return nil
}

// Disconnect closes the connection and stops the client goroutines.
func (c *wsClient) Disconnect() {
	c.Lock()
	defer c.Unlock()

	if c.disconnected {
		return
	}
	if c.droppedNtfns > 0 {
		log.Infof("Dropped %d notifications for slow websocket client %s",
			c.droppedNtfns, c.addr)
	}
	log.Tracef("Disconnecting websocket client %s", c.addr)
	close(c.quit)
	c.conn.Close()
	c.disconnected = true
}

// Start begins processing input and output messages.
func (c *wsClient) Start() {
	log.Tracef("Starting websocket client %s", c.addr)

	c.wg.Add(2)
	go c.inHandler()
	go c.outHandler()
}

// WaitForShutdown blocks until the websocket client goroutines are stopped
// and the connection is closed.
func (c *wsClient) WaitForShutdown() {
	c.wg.Wait()
}

// WebsocketHandler serves an upgraded connection until it closes.  The
// websocket server runs it in the goroutine of the connection.
func (s *Server) WebsocketHandler(conn *websocket.Conn, remoteAddr string, isAdmin bool) {
	// The read deadline set before the upgrade no longer applies.
	conn.SetReadDeadline(timeZeroVal)

	if s.ntfnMgr.NumClients() >= s.cfg.MaxWebsockets {
		log.Infof("Max websocket clients exceeded [%d] - "+
			"disconnecting client %s", s.cfg.MaxWebsockets,
			remoteAddr)
		conn.Close()
		return
	}
	log.Infof("New websocket client %s", remoteAddr)

	client := newWebsocketClient(s, conn, remoteAddr, isAdmin)
	s.ntfnMgr.AddClient(client)
	client.Start()
	client.WaitForShutdown()
	s.ntfnMgr.RemoveClient(client)
	log.Infof("Disconnected websocket client %s", remoteAddr)
}
