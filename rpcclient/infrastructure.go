package rpcclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/go-socks/socks"
)

var (
	// ErrInvalidAuth is an error to describe the condition where the client
	// is either unable to authenticate or the specified endpoint is
	// incorrect.
	ErrInvalidAuth = errors.New("authentication failure")

	// ErrClientShutdown is an error to describe the condition where the
	// client is either already shutdown, or in the process of shutting
	// down.  Any outstanding futures when a client shutdown occurs will
	// return this error as will any new requests.
	ErrClientShutdown = errors.New("the client has been shutdown")
)

const (
	// requestQueueSize is the number of requests that can wait for a
	// free request handler before callers block.
	requestQueueSize = 100

	// defaultConcurrency is the number of requests in flight when the
	// configuration does not set it.
	defaultConcurrency = 4

	// defaultRequestTimeout bounds a single HTTP round trip when the
	// configuration does not set one.
	defaultRequestTimeout = 30 * time.Second
)

// ConnConfig describes the connection configuration parameters for the client.
type ConnConfig struct {
	// Host is the IP address and port of the work authority.
	Host string

	// User and Pass authenticate against the work authority.
	User string
	Pass string

	// CookiePath is the path to a cookie file holding the credentials.  It
	// is used when Pass is empty.
	CookiePath string
	cookie     cookieState

	// DisableTLS specifies whether transport layer security should be
	// disabled.  It is recommended to always use TLS if the RPC server
	// supports it as otherwise your username and password is sent across
	// the wire in cleartext.
	DisableTLS bool

	// Certificates are the bytes for a PEM-encoded certificate chain used
	// for the TLS connection.  It has no effect if the DisableTLS parameter
	// is true.
	Certificates []byte

	// Proxy is the address of a SOCKS 5 proxy server to connect through.
	// ProxyUser and ProxyPass are optional proxy credentials.
	Proxy     string
	ProxyUser string
	ProxyPass string

	// ExtraHeaders are set on every request.
	ExtraHeaders map[string]string

	// Timeout bounds a single request.  Zero selects a default.
	Timeout time.Duration

	// Concurrency is the number of requests in flight at once.  Zero
	// selects a default.
	Concurrency int
}

// url returns the endpoint requests are posted to.
func (config *ConnConfig) url() string {
	if config.DisableTLS {
		return "http://" + config.Host
	}
	return "https://" + config.Host
}

// jsonRequest is a marshalled command waiting to be posted together with the
// channel its response is delivered on.
type jsonRequest struct {
	id             uint64
	method         string
	headers        map[string]string
	marshalledJSON []byte
	responseChan   chan *Response
}

// rawResponse is a partially-unmarshaled JSON-RPC response.
type rawResponse struct {
	Result json.RawMessage   `json:"result"`
	Error  *btcjson.RPCError `json:"error"`
}

// Response is the raw bytes of a JSON-RPC result, or the error if the
// response error object was non-null, together with the HTTP headers the
// reply was delivered with.
type Response struct {
	result []byte
	header http.Header
	err    error
}

// Client posts JSON-RPC commands to the work authority.
//
// Every RPC is available in a synchronous (blocking) and an asynchronous
// form.  The asynchronous forms return a future whose Receive method blocks
// until the reply is available.  Up to ConnConfig.Concurrency requests are in
// flight at once, so slow replies to one worker do not hold back the others.
type Client struct {
	id atomic.Uint64

	config     *ConnConfig
	httpClient *http.Client

	requests chan *jsonRequest

	// shutdownMtx orders closing shutdown after every request queued
	// before it, so the handlers drain them all.
	shutdownMtx sync.RWMutex
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

// newHTTPClient returns a new http client that is configured according to the
// proxy and TLS settings in the associated connection configuration.
func newHTTPClient(config *ConnConfig) (*http.Client, error) {
	transport := &http.Transport{}

	if config.Proxy != "" {
		proxy := &socks.Proxy{
			Addr:     config.Proxy,
			Username: config.ProxyUser,
			Password: config.ProxyPass,
		}
		transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return proxy.Dial(network, addr)
		}
	}

	if !config.DisableTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		if len(config.Certificates) > 0 {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(config.Certificates) {
				return nil, errors.New("no valid certificates in " +
					"the certificate chain")
			}
			tlsConfig.RootCAs = pool
		}
		transport.TLSClientConfig = tlsConfig
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}

// newHTTPRequest builds the POST request carrying jReq.
func (c *Client) newHTTPRequest(jReq *jsonRequest) (*http.Request, error) {
	httpReq, err := http.NewRequest(http.MethodPost, c.config.url(),
		bytes.NewReader(jReq.marshalledJSON))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for key, value := range c.config.ExtraHeaders {
		httpReq.Header.Set(key, value)
	}
	for key, value := range jReq.headers {
		httpReq.Header.Set(key, value)
	}

	user, pass, err := c.config.getAuth()
	if err != nil {
		return nil, fmt.Errorf("unable to get credentials: %w", err)
	}
	httpReq.SetBasicAuth(user, pass)
	return httpReq, nil
}

// decodeReply turns an HTTP reply into the JSON-RPC result or error.
func decodeReply(statusCode int, body []byte) ([]byte, error) {
	if statusCode == http.StatusUnauthorized {
		return nil, ErrInvalidAuth
	}

	var resp rawResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		// Not a JSON-RPC reply, most likely an HTTP level failure.
		return nil, fmt.Errorf("status code: %d, response: %q",
			statusCode, string(body))
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// roundTrip posts one request and reads its reply.
func (c *Client) roundTrip(jReq *jsonRequest) *Response {
	httpReq, err := c.newHTTPRequest(jReq)
	if err != nil {
		return &Response{err: err}
	}

	httpResponse, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.Debugf("Failed command [%s] with id %d: %v", jReq.method,
			jReq.id, err)
		return &Response{err: err}
	}
	body, err := io.ReadAll(httpResponse.Body)
	httpResponse.Body.Close()
	if err != nil {
		return &Response{err: fmt.Errorf("error reading json reply: %w", err)}
	}

	result, err := decodeReply(httpResponse.StatusCode, body)
	return &Response{
		result: result,
		header: httpResponse.Header,
		err:    err,
	}
}

// requestHandler posts queued requests until the client is shut down.  It
// must be run as a goroutine.
func (c *Client) requestHandler() {
	defer c.wg.Done()

	for {
		select {
		case jReq := <-c.requests:
			jReq.responseChan <- c.roundTrip(jReq)

		case <-c.shutdown:
			// Fail whatever is still queued so no caller waits
			// forever.
			for {
				select {
				case jReq := <-c.requests:
					jReq.responseChan <- &Response{err: ErrClientShutdown}
				default:
					return
				}
			}
		}
	}
}

// Shutdown stops the request handlers.  Requests still queued fail with
// ErrClientShutdown; requests in flight complete.
func (c *Client) Shutdown() {
	c.shutdownMtx.Lock()
	defer c.shutdownMtx.Unlock()

	select {
	case <-c.shutdown:
		return
	default:
	}

	log.Tracef("Shutting down RPC client %s", c.config.Host)
	close(c.shutdown)
	c.httpClient.CloseIdleConnections()
}

// WaitForShutdown blocks until the request handlers have stopped.
func (c *Client) WaitForShutdown() {
	c.wg.Wait()
}

// New creates a new RPC client based on the provided connection configuration
// details and starts its request handlers.
func New(config *ConnConfig) (*Client, error) {
	httpClient, err := newHTTPClient(config)
	if err != nil {
		return nil, err
	}

	client := &Client{
		config:     config,
		httpClient: httpClient,
		requests:   make(chan *jsonRequest, requestQueueSize),
		shutdown:   make(chan struct{}),
	}

	handlers := config.Concurrency
	if handlers <= 0 {
		handlers = defaultConcurrency
	}
	log.Infof("Using RPC server %s (%d concurrent requests)", config.Host,
		handlers)
	client.wg.Add(handlers)
	for i := 0; i < handlers; i++ {
		go client.requestHandler()
	}
	return client, nil
}

// NextID returns the next id to be used when sending a JSON-RPC message.  This
// ID allows responses to be associated with particular requests per the
// JSON-RPC specification.
func (c *Client) NextID() uint64 {
	return c.id.Add(1)
}

// newFutureError returns a future that already holds err.
func newFutureError(err error) chan *Response {
	responseChan := make(chan *Response, 1)
	responseChan <- &Response{err: err}
	return responseChan
}

// SendCmd sends the passed command to the associated server and returns a
// response channel on which the reply will be delivered at some point in the
// future.
func (c *Client) SendCmd(cmd interface{}) chan *Response {
	return c.sendCmd(cmd, nil)
}

// sendCmd is SendCmd with additional per-request HTTP headers.
func (c *Client) sendCmd(cmd interface{}, headers map[string]string) chan *Response {
	method, err := btcjson.CmdMethod(cmd)
	if err != nil {
		return newFutureError(err)
	}
	id := c.NextID()
	marshalledJSON, err := btcjson.MarshalCmd(btcjson.RpcVersion1, id, cmd)
	if err != nil {
		return newFutureError(err)
	}

	jReq := &jsonRequest{
		id:             id,
		method:         method,
		headers:        headers,
		marshalledJSON: marshalledJSON,
		responseChan:   make(chan *Response, 1),
	}

	// Don't queue anything once shutting down.  The read lock keeps
	// Shutdown from closing the channel while the request is queued.
	c.shutdownMtx.RLock()
	defer c.shutdownMtx.RUnlock()
	select {
	case <-c.shutdown:
		return newFutureError(ErrClientShutdown)
	default:
	}

	log.Tracef("Sending command [%s] with id %d", method, id)
	c.requests <- jReq
	return jReq.responseChan
}

// ReceiveFuture receives from the passed futureResult channel to extract a
// reply or any errors.  The examined errors include an error in the
// futureResult and the error in the reply from the server.  This will block
// until the result is available on the passed channel.
func ReceiveFuture(f chan *Response) ([]byte, error) {
	r := <-f
	return r.result, r.err
}

// receiveFutureWithHeader is ReceiveFuture that also returns the HTTP headers
// of the reply.  The headers are nil when the request failed before a reply
// was read.
func receiveFutureWithHeader(f chan *Response) ([]byte, http.Header, error) {
	r := <-f
	return r.result, r.header, r.err
}
