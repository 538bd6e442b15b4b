package rpcserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/MonteCarloClub/acbcminer/mining"
	"github.com/MonteCarloClub/acbcminer/mining/scheduler"
	"github.com/MonteCarloClub/acbcminer/store"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminUser = "admin"
	adminPass = "secret"
	limitUser = "viewer"
	limitPass = "readonly"
)

type fakeMiner struct {
	mtx     sync.Mutex
	running bool
	workers []mining.RunningWorker
}

func (m *fakeMiner) Start() {
	m.mtx.Lock()
	m.running = true
	m.mtx.Unlock()
}

func (m *fakeMiner) Stop() {
	m.mtx.Lock()
	m.running = false
	m.mtx.Unlock()
}

func (m *fakeMiner) Running() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.running
}

func (m *fakeMiner) Workers() []mining.RunningWorker   { return m.workers }
func (m *fakeMiner) Selections() []scheduler.Selection { return nil }
func (m *fakeMiner) HashesPerSecond() uint64           { return 1500 }
func (m *fakeMiner) LifetimeHashes() uint64            { return 90000 }
func (m *fakeMiner) Accepted() uint64                  { return 3 }
func (m *fakeMiner) Rejected() uint64                  { return 1 }
func (m *fakeMiner) CurrentBlockNumber() uint32        { return 77 }

type fakeBenchmarks struct {
	records []store.BenchmarkRecord
	err     error
}

func (b *fakeBenchmarks) Benchmarks() ([]store.BenchmarkRecord, error) {
	return b.records, b.err
}

type rpcReply struct {
	Result json.RawMessage   `json:"result"`
	Error  *btcjson.RPCError `json:"error"`
	ID     *json.RawMessage  `json:"id"`
}

func startServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg.Listeners = []net.Listener{listener}
	cfg.User, cfg.Pass = adminUser, adminPass
	cfg.LimitUser, cfg.LimitPass = limitUser, limitPass
	if cfg.Miner == nil {
		cfg.Miner = &fakeMiner{}
	}
	s, err := New(&cfg)
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() { s.Stop() })
	return s, listener.Addr().String()
}

func post(t *testing.T, addr, user, pass string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://"+addr, bytes.NewReader(body))
	require.NoError(t, err)
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func call(t *testing.T, addr, user, pass string, cmd interface{}) *rpcReply {
	t.Helper()
	body, err := btcjson.MarshalCmd(btcjson.RpcVersion1, 1, cmd)
	require.NoError(t, err)

	resp := post(t, addr, user, pass, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var reply rpcReply
	require.NoError(t, json.Unmarshal(raw, &reply), string(raw))
	return &reply
}

func TestNewRequiresMinerAndCredentials(t *testing.T) {
	_, err := New(&Config{User: "a", Pass: "b"})
	assert.Error(t, err)
	_, err = New(&Config{Miner: &fakeMiner{}})
	assert.Error(t, err)
}

func TestAuthentication(t *testing.T) {
	_, addr := startServer(t, Config{})
	body, err := btcjson.MarshalCmd(btcjson.RpcVersion1, 1, btcjson.NewGetGenerateCmd())
	require.NoError(t, err)

	resp := post(t, addr, "", "", body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, addr, adminUser, "wrong", body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	reply := call(t, addr, limitUser, limitPass, btcjson.NewGetGenerateCmd())
	assert.Nil(t, reply.Error)
	assert.JSONEq(t, "false", string(reply.Result))

	reply = call(t, addr, limitUser, limitPass, btcjson.NewSetGenerateCmd(true, nil))
	require.NotNil(t, reply.Error)
	assert.Equal(t, btcjson.ErrRPCInvalidParams.Code, reply.Error.Code)
}

func TestGetMiningInfo(t *testing.T) {
	_, addr := startServer(t, Config{})

	reply := call(t, addr, adminUser, adminPass, btcjson.NewGetMiningInfoCmd())
	require.Nil(t, reply.Error)
	var info GetMiningInfoResult
	require.NoError(t, json.Unmarshal(reply.Result, &info))
	assert.Equal(t, GetMiningInfoResult{
		HashesPerSec:   1500,
		LifetimeHashes: 90000,
		Accepted:       3,
		Rejected:       1,
		BlockNumber:    77,
	}, info)

	reply = call(t, addr, adminUser, adminPass, btcjson.NewGetHashesPerSecCmd())
	require.Nil(t, reply.Error)
	assert.JSONEq(t, "1500", string(reply.Result))
}

func TestSetGenerate(t *testing.T) {
	miner := &fakeMiner{}
	_, addr := startServer(t, Config{Miner: miner})

	reply := call(t, addr, adminUser, adminPass, btcjson.NewSetGenerateCmd(true, nil))
	require.Nil(t, reply.Error)
	assert.True(t, miner.Running())

	reply = call(t, addr, adminUser, adminPass, btcjson.NewGetGenerateCmd())
	assert.JSONEq(t, "true", string(reply.Result))

	zero := 0
	reply = call(t, addr, adminUser, adminPass, btcjson.NewSetGenerateCmd(true, &zero))
	require.Nil(t, reply.Error)
	assert.False(t, miner.Running())
}

func TestGetWorkers(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	miner := &fakeMiner{workers: []mining.RunningWorker{
		{Resource: "cpu:0", Factory: "sha-ext", Started: started},
	}}
	_, addr := startServer(t, Config{Miner: miner})

	reply := call(t, addr, limitUser, limitPass, NewGetWorkersCmd())
	require.Nil(t, reply.Error)
	var workers []WorkerResult
	require.NoError(t, json.Unmarshal(reply.Result, &workers))
	require.Len(t, workers, 1)
	assert.Equal(t, "cpu:0", workers[0].Resource)
	assert.Equal(t, "sha-ext", workers[0].Factory)
	assert.Equal(t, started.Unix(), workers[0].Started)
	assert.GreaterOrEqual(t, workers[0].Uptime, int64(59))
}

func TestGetBenchmarks(t *testing.T) {
	_, addr := startServer(t, Config{})
	reply := call(t, addr, adminUser, adminPass, NewGetBenchmarksCmd())
	require.NotNil(t, reply.Error)
	assert.Equal(t, ErrRPCNoBenchmarks.Code, reply.Error.Code)

	source := &fakeBenchmarks{records: []store.BenchmarkRecord{{
		Resource: "cpu:1", Factory: "generic", Hashes: 5000,
		Duration: 5 * time.Second, Selected: true, Time: time.Unix(1700000000, 0),
	}}}
	_, addr = startServer(t, Config{Benchmarks: source})
	reply = call(t, addr, adminUser, adminPass, NewGetBenchmarksCmd())
	require.Nil(t, reply.Error)
	var results []BenchmarkResult
	require.NoError(t, json.Unmarshal(reply.Result, &results))
	assert.Equal(t, []BenchmarkResult{{
		Resource: "cpu:1", Factory: "generic", Hashes: 5000,
		HashesPerSec: 1000, Selected: true, Time: 1700000000,
	}}, results)

	source.err = errors.New("disk on fire")
	reply = call(t, addr, adminUser, adminPass, NewGetBenchmarksCmd())
	require.NotNil(t, reply.Error)
	assert.Equal(t, btcjson.ErrRPCInternal.Code, reply.Error.Code)
}

func TestUptimeAndHelp(t *testing.T) {
	_, addr := startServer(t, Config{StartupTime: time.Now().Unix() - 30})

	reply := call(t, addr, adminUser, adminPass, btcjson.NewUptimeCmd())
	require.Nil(t, reply.Error)
	var uptime int64
	require.NoError(t, json.Unmarshal(reply.Result, &uptime))
	assert.GreaterOrEqual(t, uptime, int64(30))

	reply = call(t, addr, adminUser, adminPass, btcjson.NewHelpCmd(nil))
	require.Nil(t, reply.Error)
	var usage string
	require.NoError(t, json.Unmarshal(reply.Result, &usage))
	assert.Contains(t, usage, "getworkers")
	assert.Contains(t, usage, "setgenerate")

	method := "getbenchmarks"
	reply = call(t, addr, adminUser, adminPass, btcjson.NewHelpCmd(&method))
	require.Nil(t, reply.Error)
	assert.Contains(t, string(reply.Result), helpDescs[method])

	method = "getblock"
	reply = call(t, addr, adminUser, adminPass, btcjson.NewHelpCmd(&method))
	require.NotNil(t, reply.Error)
	assert.Equal(t, btcjson.ErrRPCInvalidParameter, reply.Error.Code)
}

func TestUnknownMethods(t *testing.T) {
	_, addr := startServer(t, Config{})

	// Registered with btcjson but not served here.
	reply := call(t, addr, adminUser, adminPass, btcjson.NewGetBlockCountCmd())
	require.NotNil(t, reply.Error)
	assert.Equal(t, btcjson.ErrRPCMethodNotFound.Code, reply.Error.Code)

	resp := post(t, addr, adminUser, adminPass,
		[]byte(`{"jsonrpc":"1.0","method":"nosuchmethod","params":[],"id":7}`))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var parsed rpcReply
	require.NoError(t, json.Unmarshal(raw, &parsed))
	require.NotNil(t, parsed.Error)
	assert.Equal(t, btcjson.ErrRPCMethodNotFound.Code, parsed.Error.Code)

	resp = post(t, addr, adminUser, adminPass, []byte(`{not json`))
	raw, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &parsed))
	require.NotNil(t, parsed.Error)
	assert.Equal(t, btcjson.ErrRPCParse.Code, parsed.Error.Code)
}

func TestBatchRequest(t *testing.T) {
	_, addr := startServer(t, Config{})

	body := []byte(`[
		{"jsonrpc":"2.0","method":"getgenerate","params":[],"id":1},
		{"jsonrpc":"2.0","method":"gethashespersec","params":[],"id":2},
		{"jsonrpc":"2.0","method":"uptime","params":[]}
	]`)
	resp := post(t, addr, adminUser, adminPass, body)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var replies []rpcReply
	require.NoError(t, json.Unmarshal(raw, &replies), string(raw))
	require.Len(t, replies, 2)
	assert.JSONEq(t, "false", string(replies[0].Result))
	assert.JSONEq(t, "1500", string(replies[1].Result))

	resp = post(t, addr, adminUser, adminPass, []byte(`[]`))
	raw, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	var parsed rpcReply
	require.NoError(t, json.Unmarshal(raw, &parsed))
	require.NotNil(t, parsed.Error)
	assert.Equal(t, btcjson.ErrRPCInvalidRequest.Code, parsed.Error.Code)
}

func TestStopRequestsShutdown(t *testing.T) {
	s, addr := startServer(t, Config{})

	requested := make(chan struct{})
	go func() {
		<-s.RequestedProcessShutdown()
		close(requested)
	}()

	// The request is dropped when nobody listens yet, so retry until
	// the listener above is ready.
	for i := 0; i < 100; i++ {
		reply := call(t, addr, adminUser, adminPass, btcjson.NewStopCmd())
		require.Nil(t, reply.Error)
		assert.JSONEq(t, `"acbcminer stopping."`, string(reply.Result))
		select {
		case <-requested:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Fatal("shutdown was not requested")
}

func TestWebsocketNotifications(t *testing.T) {
	s, addr := startServer(t, Config{})

	header := http.Header{}
	req := &http.Request{Header: header}
	req.SetBasicAuth(limitUser, limitPass)
	dialer := websocket.Dialer{}
	conn, _, err := dialer.Dial("ws://"+addr+"/ws", header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.ntfnMgr.NumClients() == 1 },
		2*time.Second, time.Millisecond)

	// Requests are served over the websocket too.
	request, err := btcjson.MarshalCmd(btcjson.RpcVersion1, 5, btcjson.NewGetGenerateCmd())
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, request))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var reply rpcReply
	require.NoError(t, json.Unmarshal(msg, &reply))
	assert.JSONEq(t, "false", string(reply.Result))

	s.Notify(&mining.Notification{
		Type:        mining.NTSolutionAccepted,
		Worker:      "cpu:2",
		BlockNumber: 9,
		Nonce:       42,
	})

	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	var ntfn struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	require.NoError(t, json.Unmarshal(msg, &ntfn))
	assert.Equal(t, MinerNotificationNtfnMethod, ntfn.Method)
	require.Len(t, ntfn.Params, 6)
	assert.JSONEq(t, `"NTSolutionAccepted"`, string(ntfn.Params[0]))
	assert.JSONEq(t, `"cpu:2"`, string(ntfn.Params[1]))
	assert.JSONEq(t, "9", string(ntfn.Params[2]))
	assert.JSONEq(t, "42", string(ntfn.Params[3]))
}

func TestWebsocketRequiresAuth(t *testing.T) {
	_, addr := startServer(t, Config{})

	dialer := websocket.Dialer{}
	_, resp, err := dialer.Dial("ws://"+addr+"/ws", nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestNotifyBeforeStartDoesNotBlock(t *testing.T) {
	s, err := New(&Config{Miner: &fakeMiner{}, User: adminUser, Pass: adminPass})
	require.NoError(t, err)
	s.Notify(&mining.Notification{Type: mining.NTSolutionFound})
}

func TestNotifyMinerDropsWhenQueueFull(t *testing.T) {
	s, err := New(&Config{Miner: &fakeMiner{}, User: adminUser, Pass: adminPass})
	require.NoError(t, err)

	// The event handler is not running, so nothing drains the queue.
	for i := 0; i < wsEventBufferSize+10; i++ {
		s.ntfnMgr.NotifyMiner(&mining.Notification{Nonce: uint32(i)})
	}
	assert.Equal(t, uint64(10), s.ntfnMgr.dropped.Load())
	assert.Len(t, s.ntfnMgr.events, wsEventBufferSize)
}

func TestQueueNotificationDropsOldest(t *testing.T) {
	c := newWebsocketClient(nil, nil, "127.0.0.1:1", false)
	for i := 0; i < maxPendingNotifications+5; i++ {
		require.NoError(t, c.QueueNotification([]byte{byte(i)}))
	}

	pending := c.takePending()
	require.Len(t, pending, maxPendingNotifications)
	assert.Equal(t, []byte{5}, pending[0])
	assert.Equal(t, []byte{maxPendingNotifications + 4}, pending[len(pending)-1])
	assert.Empty(t, c.takePending())
	assert.Len(t, c.ntfnReady, 1)

	c.Lock()
	c.disconnected = true
	c.Unlock()
	assert.ErrorIs(t, c.QueueNotification([]byte{1}), ErrClientQuit)
}
