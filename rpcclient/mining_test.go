package rpcclient

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type getworkRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	ID     uint64        `json:"id"`
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(&ConnConfig{
		Host:       strings.TrimPrefix(srv.URL, "http://"),
		User:       "user",
		Pass:       "pass",
		DisableTLS: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Shutdown()
		client.WaitForShutdown()
	})
	return client
}

func readRequest(t *testing.T, r *http.Request) getworkRequest {
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	var req getworkRequest
	require.NoError(t, json.Unmarshal(body, &req))
	return req
}

func TestGetWork(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "user", user)
		assert.Equal(t, "pass", pass)
		assert.Equal(t, "cpu:0", r.Header.Get(WorkerHeader))
		assert.Equal(t, "benchmark", r.Header.Get(CommentHeader))

		req := readRequest(t, r)
		assert.Equal(t, "getwork", req.Method)
		assert.Empty(t, req.Params)

		w.Header().Set(BlockNumberHeader, "4711")
		io.WriteString(w, `{"result":{"data":"00ff","hash1":"",`+
			`"midstate":"","target":"ffff"},"error":null,"id":1}`)
	})

	reply, err := client.GetWork("cpu:0", "benchmark")
	require.NoError(t, err)
	require.NotNil(t, reply.Work)
	assert.Equal(t, "00ff", reply.Work.Data)
	assert.Equal(t, "ffff", reply.Work.Target)
	assert.True(t, reply.HasBlockNumber)
	assert.Equal(t, uint32(4711), reply.BlockNumber)
}

func TestGetWorkNullResult(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(WorkerHeader))
		io.WriteString(w, `{"result":null,"error":null,"id":1}`)
	})

	reply, err := client.GetWork("", "")
	require.NoError(t, err)
	assert.Nil(t, reply.Work)
	assert.False(t, reply.HasBlockNumber)
}

func TestGetWorkRPCError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(BlockNumberHeader, "12")
		io.WriteString(w, `{"result":null,"error":{"code":-10,`+
			`"message":"not ready"},"id":1}`)
	})

	reply, err := client.GetWork("cpu:1", "")
	require.Error(t, err)
	var rpcErr *btcjson.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "not ready", rpcErr.Message)
	assert.Equal(t, uint32(12), reply.BlockNumber)
}

func TestGetWorkSubmit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		req := readRequest(t, r)
		require.Len(t, req.Params, 1)
		assert.Equal(t, "abcd", req.Params[0])
		io.WriteString(w, `{"result":true,"error":null,"id":1}`)
	})

	accepted, err := client.GetWorkSubmit("cpu:2", "", "abcd")
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestUnauthorized(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "401 Unauthorized.", http.StatusUnauthorized)
	})

	_, err := client.GetWork("", "")
	assert.ErrorIs(t, err, ErrInvalidAuth)
}

func TestShutdownRejectsRequests(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result":true,"error":null,"id":1}`)
	})
	client.Shutdown()

	_, err := client.GetWorkSubmit("", "", "00")
	assert.ErrorIs(t, err, ErrClientShutdown)
}

func TestCookieAuth(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".cookie")
	require.NoError(t, os.WriteFile(path, []byte("__cookie__:secret\n"), 0600))

	config := &ConnConfig{CookiePath: path}
	user, pass, err := config.getAuth()
	require.NoError(t, err)
	assert.Equal(t, "__cookie__", user)
	assert.Equal(t, "secret", pass)

	bad := filepath.Join(t.TempDir(), ".cookie")
	require.NoError(t, os.WriteFile(bad, []byte("nocolon"), 0600))
	_, _, err = readCookieFile(bad)
	assert.Error(t, err)
}
