package rpcclient

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeReply(t *testing.T) {
	res, err := decodeReply(http.StatusOK, []byte(`{"result":true,"error":null,"id":1}`))
	require.NoError(t, err)
	assert.Equal(t, "true", string(res))

	_, err = decodeReply(http.StatusOK, []byte(`{"result":null,"error":{"code":-1,"message":"boom"},"id":1}`))
	var rpcErr *btcjson.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, btcjson.RPCErrorCode(-1), rpcErr.Code)

	_, err = decodeReply(http.StatusUnauthorized, nil)
	assert.ErrorIs(t, err, ErrInvalidAuth)

	_, err = decodeReply(http.StatusBadGateway, []byte("bad gateway"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestConcurrentRequests(t *testing.T) {
	arrived := make(chan struct{}, 2)
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-release
		io.WriteString(w, `{"result":true,"error":null,"id":1}`)
	})

	first := client.GetWorkSubmitAsync("cpu:0", "", "00")
	second := client.GetWorkSubmitAsync("cpu:1", "", "00")

	// Both requests reach the server before either is answered.
	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(2 * time.Second):
			t.Fatal("requests are not sent concurrently")
		}
	}
	close(release)

	accepted, err := first.Receive()
	require.NoError(t, err)
	assert.True(t, accepted)
	accepted, err = second.Receive()
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestCookieRecheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".cookie")
	require.NoError(t, os.WriteFile(path, []byte("a:1"), 0600))

	var cookie cookieState
	now := time.Now()
	user, pass, err := cookie.load(path, now)
	require.NoError(t, err)
	assert.Equal(t, "a", user)
	assert.Equal(t, "1", pass)

	// A rewritten cookie is only noticed after the recheck interval.
	require.NoError(t, os.WriteFile(path, []byte("b:2"), 0600))
	later := now.Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))

	user, _, err = cookie.load(path, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "a", user)

	user, pass, err = cookie.load(path, now.Add(cookieRecheckInterval))
	require.NoError(t, err)
	assert.Equal(t, "b", user)
	assert.Equal(t, "2", pass)
}

func TestSendCmd(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		req := readRequest(t, r)
		assert.Equal(t, "getwork", req.Method)
		io.WriteString(w, `{"result":{"data":"00","target":"ff"},"error":null,"id":1}`)
	})

	res, err := ReceiveFuture(client.SendCmd(btcjson.NewGetWorkCmd(nil)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":"00","target":"ff"}`, string(res))

	_, err = ReceiveFuture(client.SendCmd(struct{}{}))
	assert.Error(t, err)
}

func TestShutdownWhileSending(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result":true,"error":null,"id":1}`)
	})

	const senders = 50
	futures := make(chan FutureGetWorkSubmitResult, senders*10)
	var wg sync.WaitGroup
	wg.Add(senders)
	for i := 0; i < senders; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				futures <- client.GetWorkSubmitAsync("", "", "00")
			}
		}()
	}
	client.Shutdown()
	client.WaitForShutdown()
	wg.Wait()
	close(futures)

	// Every request is either answered or failed, none is left waiting.
	for f := range futures {
		done := make(chan error, 1)
		go func() {
			_, err := f.Receive()
			done <- err
		}()
		select {
		case err := <-done:
			if err != nil {
				assert.ErrorIs(t, err, ErrClientShutdown)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("request left without a reply after shutdown")
		}
	}
}
