// Package rpcserver implements the local control server of the miner: a
// JSON-RPC interface to query and steer the miner host, and a websocket
// endpoint streaming its notifications.
package rpcserver

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MonteCarloClub/acbcminer/mining"
	"github.com/MonteCarloClub/acbcminer/mining/scheduler"
	"github.com/MonteCarloClub/acbcminer/store"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/websocket"
)

const (
	// rpcAuthTimeoutSeconds is the number of seconds a connection to the
	// RPC server is allowed to stay open without authenticating before it
	// is closed.
	rpcAuthTimeoutSeconds = 10

	// DefaultMaxClients is the default number of concurrent standard
	// clients.
	DefaultMaxClients = 10

	// DefaultMaxWebsockets is the default number of concurrent websocket
	// clients.
	DefaultMaxWebsockets = 25
)

// timeZeroVal is simply the zero value for a time.Time and is used to avoid
// creating multiple instances.
var timeZeroVal time.Time

// JSON 2.0 batched request prefix
var batchedRequestPrefix = []byte("[")

// ErrRPCNoBenchmarks is returned to RPC clients when no benchmark source is
// configured.
var ErrRPCNoBenchmarks = &btcjson.RPCError{
	Code:    btcjson.ErrRPCMisc,
	Message: "Benchmark results are not available",
}

// Miner is the miner host as seen by the control server.  It is implemented
// by *host.Host.
type Miner interface {
	Start()
	Stop()
	Running() bool
	Workers() []mining.RunningWorker
	Selections() []scheduler.Selection
	HashesPerSecond() uint64
	LifetimeHashes() uint64
	Accepted() uint64
	Rejected() uint64
	CurrentBlockNumber() uint32
}

// BenchmarkSource provides the benchmark history.
type BenchmarkSource interface {
	Benchmarks() ([]store.BenchmarkRecord, error)
}

// Config is a descriptor containing the control server configuration.
type Config struct {
	// Listeners defines a slice of listeners for which the RPC server will
	// take ownership of and accept connections.  Since the RPC server takes
	// ownership of these listeners, they will be closed when the RPC server
	// is stopped.
	Listeners []net.Listener

	// StartupTime is the unix timestamp for when the process hosting the
	// server started.
	StartupTime int64

	// Miner is the host steered by the server.
	Miner Miner

	// Benchmarks is optional.
	Benchmarks BenchmarkSource

	// User and Pass are the admin credentials, LimitUser and LimitPass
	// the credentials of read-only clients.
	User      string
	Pass      string
	LimitUser string
	LimitPass string

	MaxClients    int
	MaxWebsockets int
}

type commandHandler func(*Server, interface{}, <-chan struct{}) (interface{}, error)

// rpcHandlers maps RPC command strings to appropriate handler functions.
// This is set by init because help references rpcHandlers and thus causes
// a dependency loop.
var rpcHandlers map[string]commandHandler
var rpcHandlersBeforeInit = map[string]commandHandler{
	"getbenchmarks":   handleGetBenchmarks,
	"getgenerate":     handleGetGenerate,
	"gethashespersec": handleGetHashesPerSec,
	"getmininginfo":   handleGetMiningInfo,
	"getworkers":      handleGetWorkers,
	"help":            handleHelp,
	"setgenerate":     handleSetGenerate,
	"stop":            handleStop,
	"uptime":          handleUptime,
}

// rpcLimited is the set of commands a limited user may call.
var rpcLimited = map[string]struct{}{
	"getbenchmarks":   {},
	"getgenerate":     {},
	"gethashespersec": {},
	"getmininginfo":   {},
	"getworkers":      {},
	"help":            {},
	"uptime":          {},
}

// Server provides a concurrent safe control server for the miner host.
type Server struct {
	started                int32
	shutdown               int32
	cfg                    Config
	authsha                [sha256.Size]byte
	limitauthsha           [sha256.Size]byte
	ntfnMgr                *wsNotificationManager
	numClients             int32
	wg                     sync.WaitGroup
	helpCacher             *helpCacher
	requestProcessShutdown chan struct{}
	quit                   chan int
}

// internalRPCError is a convenience function to convert an internal error to
// an RPC error with the appropriate code set.  It also logs the error to the
// RPC server subsystem since internal errors really should not occur.  The
// context parameter is only used in the log message and may be empty if it's
// not needed.
func internalRPCError(errStr, context string) *btcjson.RPCError {
	logStr := errStr
	if context != "" {
		logStr = context + ": " + errStr
	}
	log.Error(logStr)
	return btcjson.NewRPCError(btcjson.ErrRPCInternal.Code, errStr)
}

// basicAuthSHA returns the digest of the Authorization header a client
// with the passed credentials sends.
func basicAuthSHA(user, pass string) [sha256.Size]byte {
	login := user + ":" + pass
	auth := "Basic " + base64.StdEncoding.EncodeToString([]byte(login))
	return sha256.Sum256([]byte(auth))
}

// New returns a new control server.
func New(config *Config) (*Server, error) {
	if config.Miner == nil {
		return nil, errors.New("rpcserver: no miner configured")
	}
	if config.User == "" || config.Pass == "" {
		return nil, errors.New("rpcserver: admin credentials required")
	}
	rpc := Server{
		cfg:                    *config,
		helpCacher:             newHelpCacher(),
		requestProcessShutdown: make(chan struct{}),
		quit:                   make(chan int),
	}
	if rpc.cfg.MaxClients <= 0 {
		rpc.cfg.MaxClients = DefaultMaxClients
	}
	if rpc.cfg.MaxWebsockets <= 0 {
		rpc.cfg.MaxWebsockets = DefaultMaxWebsockets
	}
	rpc.authsha = basicAuthSHA(config.User, config.Pass)
	if config.LimitUser != "" && config.LimitPass != "" {
		rpc.limitauthsha = basicAuthSHA(config.LimitUser, config.LimitPass)
	}
	rpc.ntfnMgr = newWsNotificationManager(&rpc)

	return &rpc, nil
}

// limitConnections responds with a 503 service unavailable and returns true if
// adding another client would exceed the maximum allow RPC clients.
//
// This function is safe for concurrent access.
func (s *Server) limitConnections(w http.ResponseWriter, remoteAddr string) bool {
	if int(atomic.LoadInt32(&s.numClients)+1) > s.cfg.MaxClients {
		log.Infof("Max RPC clients exceeded [%d] - "+
			"disconnecting client %s", s.cfg.MaxClients,
			remoteAddr)
		http.Error(w, "503 Too busy.  Try again later.",
			http.StatusServiceUnavailable)
		return true
	}
	return false
}

// incrementClients adds one to the number of connected RPC clients.  Note
// this only applies to standard clients.  Websocket clients have their own
// limits and are tracked separately.
//
// This function is safe for concurrent access.
func (s *Server) incrementClients() {
	atomic.AddInt32(&s.numClients, 1)
}

// decrementClients subtracts one from the number of connected RPC clients.
// Note this only applies to standard clients.  Websocket clients have their own
// limits and are tracked separately.
//
// This function is safe for concurrent access.
func (s *Server) decrementClients() {
	atomic.AddInt32(&s.numClients, -1)
}

// checkAuth checks the HTTP Basic authentication supplied by a client in the
// HTTP request r.  If the supplied authentication does not match the username
// and password expected, a non-nil error is returned.
//
// This check is time-constant.
//
// The first bool return value signifies auth success (true if successful) and
// the second bool return value specifies whether the user can change the state
// of the miner (true) or whether the user is limited (false). The second is
// always false if the first is.
func (s *Server) checkAuth(r *http.Request) (bool, bool, error) {
	authhdr := r.Header["Authorization"]
	if len(authhdr) <= 0 {
		log.Warnf("RPC authentication failure from %s", r.RemoteAddr)
		return false, false, errors.New("auth failure")
	}

	authsha := sha256.Sum256([]byte(authhdr[0]))

	// Check for limited auth first as in environments with limited users, those
	// are probably expected to have a higher volume of calls
	limitcmp := subtle.ConstantTimeCompare(authsha[:], s.limitauthsha[:])
	if limitcmp == 1 {
		return true, false, nil
	}

	// Check for admin-level auth
	cmp := subtle.ConstantTimeCompare(authsha[:], s.authsha[:])
	if cmp == 1 {
		return true, true, nil
	}

	// Request's auth doesn't match either user
	log.Warnf("RPC authentication failure from %s", r.RemoteAddr)
	return false, false, errors.New("auth failure")
}

// jsonAuthFail sends a message back to the client if the http auth is rejected.
func jsonAuthFail(w http.ResponseWriter) {
	w.Header().Add("WWW-Authenticate", `Basic realm="acbcminer RPC"`)
	http.Error(w, "401 Unauthorized.", http.StatusUnauthorized)
}

// Errors replied to requests that never reach a handler.
var (
	errRPCLimitedUser = &btcjson.RPCError{
		Code:    btcjson.ErrRPCInvalidParams.Code,
		Message: "limited user not authorized for this method",
	}
	errRPCMalformed = &btcjson.RPCError{
		Code:    btcjson.ErrRPCInvalidRequest.Code,
		Message: "Invalid request: malformed",
	}
	errRPCEmptyBatch = &btcjson.RPCError{
		Code:    btcjson.ErrRPCInvalidRequest.Code,
		Message: "Invalid request: empty batch",
	}
)

// replyVersion returns the protocol version a reply to a request announcing
// v is marshalled with.
func replyVersion(v btcjson.RPCVersion) btcjson.RPCVersion {
	if v == btcjson.RpcVersion2 {
		return v
	}
	return btcjson.RpcVersion1
}

// marshalReply returns the marshalled response, or nil when it cannot be
// marshalled.
func marshalReply(v btcjson.RPCVersion, id, result interface{}, jsonErr *btcjson.RPCError) []byte {
	msg, err := btcjson.MarshalResponse(replyVersion(v), id, result, jsonErr)
	if err != nil {
		log.Errorf("Failed to marshal reply: %v", err)
		return nil
	}
	return msg
}

// parseFailure is the reply to a request object that is not valid JSON.
func parseFailure(code btcjson.RPCErrorCode, err error) []byte {
	return marshalReply(btcjson.RpcVersion1, nil, nil, &btcjson.RPCError{
		Code:    code,
		Message: fmt.Sprintf("Failed to parse request: %v", err),
	})
}

// toRPCError turns a handler error into the error of the reply.
func toRPCError(err error, method string) *btcjson.RPCError {
	if err == nil {
		return nil
	}
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return internalRPCError(err.Error(), method)
}

// dispatch decodes the parameters of a request and runs its handler.
func (s *Server) dispatch(request *btcjson.Request, closeChan <-chan struct{}) (interface{}, *btcjson.RPCError) {
	cmd, err := btcjson.UnmarshalCmd(request)
	if err != nil {
		var jerr btcjson.Error
		if errors.As(err, &jerr) && jerr.ErrorCode == btcjson.ErrUnregisteredMethod {
			return nil, btcjson.ErrRPCMethodNotFound
		}
		return nil, btcjson.NewRPCError(btcjson.ErrRPCInvalidParams.Code,
			err.Error())
	}

	// btcjson knows far more methods than the control server serves.
	handler, ok := rpcHandlers[request.Method]
	if !ok {
		return nil, btcjson.ErrRPCMethodNotFound
	}

	log.Debugf("Received command <%s>", request.Method)
	result, err := handler(s, cmd, closeChan)
	return result, toRPCError(err, request.Method)
}

// processRequest answers a single request object.  Notifications are run
// through the checks but get no reply, so nil is returned for them.
func (s *Server) processRequest(request *btcjson.Request, isAdmin bool, closeChan <-chan struct{}) []byte {
	var (
		result  interface{}
		jsonErr *btcjson.RPCError
	)
	_, limited := rpcLimited[request.Method]
	switch {
	case !isAdmin && !limited:
		jsonErr = errRPCLimitedUser
	case request.Method == "" || request.Params == nil:
		jsonErr = errRPCMalformed
	case request.ID == nil:
		return nil
	default:
		result, jsonErr = s.dispatch(request, closeChan)
	}
	return marshalReply(request.Jsonrpc, request.ID, result, jsonErr)
}

// processEntry decodes and answers one request object.  Objects that do not
// decode are answered with an error of the passed code.
func (s *Server) processEntry(raw []byte, code btcjson.RPCErrorCode, isAdmin bool, closeChan <-chan struct{}) []byte {
	var request btcjson.Request
	if err := json.Unmarshal(raw, &request); err != nil {
		return parseFailure(code, err)
	}
	return s.processRequest(&request, isAdmin, closeChan)
}

// processBody answers a single or batched request body.  The reply is nil
// when nothing must be answered.
func (s *Server) processBody(body []byte, isAdmin bool, closeChan <-chan struct{}) []byte {
	body = bytes.TrimSpace(body)
	if !bytes.HasPrefix(body, batchedRequestPrefix) {
		return s.processEntry(body, btcjson.ErrRPCParse.Code, isAdmin,
			closeChan)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		return parseFailure(btcjson.ErrRPCParse.Code, err)
	}
	if len(entries) == 0 {
		return marshalReply(btcjson.RpcVersion2, nil, nil, errRPCEmptyBatch)
	}

	replies := make([][]byte, 0, len(entries))
	for _, entry := range entries {
		reply := s.processEntry(entry, btcjson.ErrRPCInvalidRequest.Code,
			isAdmin, closeChan)
		if reply != nil {
			replies = append(replies, reply)
		}
	}
	if len(replies) == 0 {
		return nil
	}

	batch := make([]byte, 0, 2+len(replies)*64)
	batch = append(batch, '[')
	batch = append(batch, bytes.Join(replies, []byte{','})...)
	return append(batch, ']')
}

// jsonRPCRead answers one JSON-RPC POST.  The request context serves as the
// close notifier of commands that wait on the miner.
func (s *Server) jsonRPCRead(w http.ResponseWriter, r *http.Request, isAdmin bool) {
	if atomic.LoadInt32(&s.shutdown) != 0 {
		return
	}

	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		errCode := http.StatusBadRequest
		http.Error(w, fmt.Sprintf("%d error reading JSON message: %v",
			errCode, err), errCode)
		return
	}

	msg := s.processBody(body, isAdmin, r.Context().Done())

	// Terminate with newline to maintain compatibility with Bitcoin Core.
	if _, err := w.Write(append(msg, '\n')); err != nil {
		log.Errorf("Failed to write marshalled reply: %v", err)
	}
}

// Notify queues a miner notification for every websocket client.  It never
// blocks and drops the notification when the server is not running.
//
// This function is safe for concurrent access and is part of the
// mining.Notifier interface implementation.
func (s *Server) Notify(n *mining.Notification) {
	if atomic.LoadInt32(&s.started) == 0 {
		return
	}
	s.ntfnMgr.NotifyMiner(n)
}

// serveHTTP answers plain JSON-RPC posts.
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Connection", "close")
	w.Header().Set("Content-Type", "application/json")
	r.Close = true

	if s.limitConnections(w, r.RemoteAddr) {
		return
	}
	s.incrementClients()
	defer s.decrementClients()

	_, isAdmin, err := s.checkAuth(r)
	if err != nil {
		jsonAuthFail(w)
		return
	}
	s.jsonRPCRead(w, r, isAdmin)
}

// serveWebsocket upgrades authenticated connections to the notification
// stream.
func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	_, isAdmin, err := s.checkAuth(r)
	if err != nil {
		jsonAuthFail(w)
		return
	}

	ws, err := websocket.Upgrade(w, r, nil, 0, 0)
	if err != nil {
		var hsErr websocket.HandshakeError
		if !errors.As(err, &hsErr) {
			log.Errorf("Unexpected websocket error: %v", err)
		}
		http.Error(w, "400 Bad Request.", http.StatusBadRequest)
		return
	}
	s.WebsocketHandler(ws, r.RemoteAddr, isAdmin)
}

// Start serves the configured listeners.
func (s *Server) Start() {
	if atomic.AddInt32(&s.started, 1) != 1 {
		return
	}
	log.Trace("Starting control server")

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveHTTP)
	mux.HandleFunc("/ws", s.serveWebsocket)
	httpServer := &http.Server{
		Handler: mux,

		// Unauthenticated connections may not linger.
		ReadTimeout: time.Second * rpcAuthTimeoutSeconds,
	}

	s.ntfnMgr.Start()
	for _, listener := range s.cfg.Listeners {
		s.wg.Add(1)
		go func(l net.Listener) {
			defer s.wg.Done()
			log.Infof("Control server listening on %s", l.Addr())
			if err := httpServer.Serve(l); err != nil && !errors.Is(err, net.ErrClosed) {
				log.Debugf("Listener %s: %v", l.Addr(), err)
			}
			log.Tracef("Control listener done for %s", l.Addr())
		}(listener)
	}
}

// GenCertPair generates a key/cert pair to the paths provided.
func GenCertPair(certFile, keyFile string) error {
	log.Infof("Generating TLS certificates...")

	org := "acbcminer autogenerated cert"
	validUntil := time.Now().Add(10 * 365 * 24 * time.Hour)
	cert, key, err := btcutil.NewTLSCertPair(org, validUntil, nil)
	if err != nil {
		return err
	}

	// Write cert and key files.
	if err = os.WriteFile(certFile, cert, 0666); err != nil {
		return err
	}
	if err = os.WriteFile(keyFile, key, 0600); err != nil {
		os.Remove(certFile)
		return err
	}

	log.Infof("Done generating TLS certificates")
	return nil
}

// RequestedProcessShutdown returns a channel that is sent to when an authorized
// RPC client requests the process to shutdown.  If the request can not be read
// immediately, it is dropped.
func (s *Server) RequestedProcessShutdown() <-chan struct{} {
	return s.requestProcessShutdown
}

// Stop closes the listeners, disconnects the websocket clients and waits
// for the server goroutines.
func (s *Server) Stop() error {
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		log.Infof("Control server is already in the process of shutting down")
		return nil
	}
	log.Warnf("Control server shutting down")
	for _, listener := range s.cfg.Listeners {
		err := listener.Close()
		if err != nil {
			log.Errorf("Problem shutting down rpc: %v", err)
			return err
		}
	}
	s.ntfnMgr.Shutdown()
	s.ntfnMgr.WaitForShutdown()
	close(s.quit)
	s.wg.Wait()
	log.Infof("Control server shutdown complete")
	return nil
}

func init() {
	rpcHandlers = rpcHandlersBeforeInit
}
