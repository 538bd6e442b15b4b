package exchange

import (
	"context"
	"encoding/hex"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/MonteCarloClub/acbcminer/mining"
	"github.com/MonteCarloClub/acbcminer/mining/pow"
	"github.com/MonteCarloClub/acbcminer/rpcclient"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDelay = 20 * time.Millisecond

type fetchResult struct {
	reply *rpcclient.WorkReply
	err   error
}

type fakeCaller struct {
	mtx         sync.Mutex
	fetches     []fetchResult
	fetchTimes  []time.Time
	submitData  []string
	submitReply []bool
	submitErrs  []error
}

func (f *fakeCaller) GetWork(workerID, comment string) (*rpcclient.WorkReply, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.fetchTimes = append(f.fetchTimes, time.Now())
	if len(f.fetches) == 0 {
		return &rpcclient.WorkReply{}, nil
	}
	r := f.fetches[0]
	if len(f.fetches) > 1 {
		f.fetches = f.fetches[1:]
	}
	return r.reply, r.err
}

func (f *fakeCaller) GetWorkSubmit(workerID, comment, data string) (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.submitData = append(f.submitData, data)
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		return false, err
	}
	accepted := len(f.submitReply) > 0 && f.submitReply[0]
	if len(f.submitReply) > 1 {
		f.submitReply = f.submitReply[1:]
	}
	return accepted, nil
}

type recordingNotifier struct {
	mtx   sync.Mutex
	ntfns []mining.Notification
}

func (r *recordingNotifier) Notify(n *mining.Notification) {
	r.mtx.Lock()
	r.ntfns = append(r.ntfns, *n)
	r.mtx.Unlock()
}

func testWork(t *testing.T, seed int64) ([]byte, []byte) {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	var header [mining.HeaderSize]byte
	r.Read(header[:])
	padded := pow.PadHeader(&header)
	target := make([]byte, mining.TargetSize)
	r.Read(target)
	return padded[:], target
}

func workReply(data, target []byte, block uint32) *rpcclient.WorkReply {
	return &rpcclient.WorkReply{
		Work: &btcjson.GetWorkResult{
			Data:   hex.EncodeToString(data),
			Target: hex.EncodeToString(target),
		},
		BlockNumber:    block,
		HasBlockNumber: true,
	}
}

func TestFetchWorkRetries(t *testing.T) {
	data, target := testWork(t, 1)
	caller := &fakeCaller{fetches: []fetchResult{
		{reply: &rpcclient.WorkReply{}, err: errors.New("connection refused")},
		{reply: &rpcclient.WorkReply{}, err: errors.New("timeout")},
		{reply: workReply(data, target, 7)},
	}}
	client := New(caller, Config{RetryDelay: testDelay}, nil)

	work, err := client.FetchWork(context.Background(), "cpu:0", "")
	require.NoError(t, err)
	require.NotNil(t, work)
	assert.Equal(t, data[:mining.HeaderSize], work.Header[:])
	assert.Equal(t, target, work.Target[:])
	assert.Equal(t, uint32(7), work.BlockNumber)
	assert.Equal(t, uint32(7), client.CurrentBlockNumber())

	require.Len(t, caller.fetchTimes, 3)
	for i := 1; i < len(caller.fetchTimes); i++ {
		gap := caller.fetchTimes[i].Sub(caller.fetchTimes[i-1])
		assert.GreaterOrEqual(t, gap, testDelay)
	}
}

func TestFetchWorkMalformedData(t *testing.T) {
	data, target := testWork(t, 2)
	caller := &fakeCaller{fetches: []fetchResult{
		{reply: workReply(data[:100], target, 3)},
		{reply: workReply(data, target[:20], 3)},
		{reply: workReply(data, target, 3)},
	}}
	client := New(caller, Config{RetryDelay: time.Millisecond}, nil)

	work, err := client.FetchWork(context.Background(), "cpu:0", "")
	require.NoError(t, err)
	assert.Len(t, caller.fetchTimes, 3)
	assert.Equal(t, data[:mining.HeaderSize], work.Header[:])
}

func TestDecodeWorkLengths(t *testing.T) {
	data, target := testWork(t, 3)
	_, err := decodeWork(workReply(data[:100], target, 0).Work, 0)
	assert.ErrorIs(t, err, ErrMalformedWork)
	_, err = decodeWork(workReply(data, target[:31], 0).Work, 0)
	assert.ErrorIs(t, err, ErrMalformedWork)
	_, err = decodeWork(&btcjson.GetWorkResult{Data: "zz"}, 0)
	assert.ErrorIs(t, err, ErrMalformedWork)
}

func TestFetchWorkNoWork(t *testing.T) {
	caller := &fakeCaller{fetches: []fetchResult{
		{reply: &rpcclient.WorkReply{BlockNumber: 9, HasBlockNumber: true}},
	}}
	client := New(caller, Config{}, nil)

	work, err := client.FetchWork(context.Background(), "cpu:0", "")
	require.NoError(t, err)
	assert.Nil(t, work)
	assert.Equal(t, uint32(9), client.CurrentBlockNumber())
}

func TestFetchWorkCancelled(t *testing.T) {
	caller := &fakeCaller{fetches: []fetchResult{
		{reply: &rpcclient.WorkReply{}, err: errors.New("down")},
	}}
	client := New(caller, Config{RetryDelay: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.FetchWork(ctx, "cpu:0", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchWorkMaxRetries(t *testing.T) {
	caller := &fakeCaller{fetches: []fetchResult{
		{reply: &rpcclient.WorkReply{}, err: errors.New("down")},
	}}
	client := New(caller, Config{RetryDelay: time.Millisecond, MaxRetries: 2}, nil)

	_, err := client.FetchWork(context.Background(), "cpu:0", "")
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Len(t, caller.fetchTimes, 3)
}

func TestFetchWorkRPCErrorNotified(t *testing.T) {
	data, target := testWork(t, 4)
	rpcErr := btcjson.NewRPCError(btcjson.ErrRPCMisc, "work unavailable")
	caller := &fakeCaller{fetches: []fetchResult{
		{reply: &rpcclient.WorkReply{}, err: rpcErr},
		{reply: workReply(data, target, 1)},
	}}
	notifier := &recordingNotifier{}
	client := New(caller, Config{RetryDelay: time.Millisecond}, notifier)

	_, err := client.FetchWork(context.Background(), "cpu:3", "")
	require.NoError(t, err)
	require.Len(t, notifier.ntfns, 1)
	assert.Equal(t, mining.NTWorkRejected, notifier.ntfns[0].Type)
	assert.Equal(t, "work unavailable", notifier.ntfns[0].Text)
	assert.Equal(t, "cpu:3", notifier.ntfns[0].Worker)
}

func TestSubmitWorkRoundTrip(t *testing.T) {
	data, target := testWork(t, 5)
	caller := &fakeCaller{
		fetches:     []fetchResult{{reply: workReply(data, target, 2)}},
		submitReply: []bool{true},
	}
	notifier := &recordingNotifier{}
	client := New(caller, Config{}, notifier)

	work, err := client.FetchWork(context.Background(), "cpu:0", "")
	require.NoError(t, err)
	accepted, err := client.SubmitWork(context.Background(), "cpu:0", "", work)
	require.NoError(t, err)
	assert.True(t, accepted)

	require.Len(t, caller.submitData, 1)
	submitted, err := hex.DecodeString(caller.submitData[0])
	require.NoError(t, err)
	require.Len(t, submitted, pow.PaddedHeaderSize)
	assert.Equal(t, work.Header[:], submitted[:mining.HeaderSize])
	assert.Equal(t, data, submitted)

	require.Len(t, notifier.ntfns, 1)
	assert.Equal(t, mining.NTSolutionAccepted, notifier.ntfns[0].Type)
	assert.Equal(t, pow.HeaderHash(&work.Header), notifier.ntfns[0].Hash)
}

func TestSubmitWorkRejectedAndDuplicate(t *testing.T) {
	data, target := testWork(t, 6)
	caller := &fakeCaller{
		submitErrs:  []error{errors.New("reset by peer")},
		submitReply: []bool{false},
	}
	notifier := &recordingNotifier{}
	client := New(caller, Config{RetryDelay: time.Millisecond}, notifier)

	work, err := decodeWork(workReply(data, target, 0).Work, 0)
	require.NoError(t, err)

	accepted, err := client.SubmitWork(context.Background(), "cpu:1", "", work)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Len(t, caller.submitData, 2)

	accepted, err = client.SubmitWork(context.Background(), "cpu:2", "", work)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Len(t, caller.submitData, 2)

	require.Len(t, notifier.ntfns, 2)
	assert.Equal(t, mining.NTSolutionRejected, notifier.ntfns[0].Type)
	assert.Equal(t, mining.NTSolutionRejected, notifier.ntfns[1].Type)
	assert.Equal(t, "duplicate", notifier.ntfns[1].Text)
}

func TestSubmitWorkStrictTarget(t *testing.T) {
	data, _ := testWork(t, 7)
	caller := &fakeCaller{}
	notifier := &recordingNotifier{}
	client := New(caller, Config{StrictTarget: true}, notifier)

	// A zero target can only be met by a zero hash.
	work, err := decodeWork(workReply(data, make([]byte, 32), 0).Work, 0)
	require.NoError(t, err)
	accepted, err := client.SubmitWork(context.Background(), "cpu:0", "", work)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Empty(t, caller.submitData)

	require.Len(t, notifier.ntfns, 1)
	assert.Equal(t, mining.NTSolutionRejected, notifier.ntfns[0].Type)
	assert.Equal(t, "above target", notifier.ntfns[0].Text)
}

func TestFetchWorkKeepsReplyBlockNumber(t *testing.T) {
	data, target := testWork(t, 8)
	caller := &fakeCaller{fetches: []fetchResult{
		{reply: &rpcclient.WorkReply{BlockNumber: 10, HasBlockNumber: true}},
		{reply: workReply(data, target, 9)},
		{reply: &rpcclient.WorkReply{Work: workReply(data, target, 0).Work}},
	}}
	client := New(caller, Config{RetryDelay: time.Millisecond}, nil)
	require.NoError(t, client.RefreshBlock())

	// Work of an older block keeps its own number and does not roll the
	// current one back.
	work, err := client.FetchWork(context.Background(), "cpu:0", "")
	require.NoError(t, err)
	require.NotNil(t, work)
	assert.Equal(t, uint32(9), work.BlockNumber)
	assert.Equal(t, uint32(10), client.CurrentBlockNumber())

	// Without a block number the last known one is used.
	work, err = client.FetchWork(context.Background(), "cpu:0", "")
	require.NoError(t, err)
	require.NotNil(t, work)
	assert.Equal(t, uint32(10), work.BlockNumber)
}

// blockCaller hands out work of block 9 to workers while the refresh
// requests already see block 10.
type blockCaller struct {
	data, target []byte
}

func (b *blockCaller) GetWork(workerID, comment string) (*rpcclient.WorkReply, error) {
	if comment == refreshComment {
		return &rpcclient.WorkReply{BlockNumber: 10, HasBlockNumber: true}, nil
	}
	return workReply(b.data, b.target, 9), nil
}

func (b *blockCaller) GetWorkSubmit(workerID, comment, data string) (bool, error) {
	return false, nil
}

func TestFetchWorkConcurrentRefresh(t *testing.T) {
	data, target := testWork(t, 9)
	client := New(&blockCaller{data: data, target: target}, Config{}, nil)
	require.NoError(t, client.RefreshBlock())

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				client.RefreshBlock()
			}
		}
	}()

	mislabelled := 0
	for i := 0; i < 20000; i++ {
		work, err := client.FetchWork(context.Background(), "cpu:0", "")
		require.NoError(t, err)
		if work.BlockNumber != 9 {
			mislabelled++
		}
	}
	close(done)
	wg.Wait()

	assert.Zero(t, mislabelled)
	assert.Equal(t, uint32(10), client.CurrentBlockNumber())
}

func TestRefreshBlock(t *testing.T) {
	caller := &fakeCaller{fetches: []fetchResult{
		{reply: &rpcclient.WorkReply{BlockNumber: 5, HasBlockNumber: true}},
		{reply: &rpcclient.WorkReply{}, err: errors.New("down")},
	}}
	client := New(caller, Config{RetryDelay: time.Hour}, nil)

	require.NoError(t, client.RefreshBlock())
	assert.Equal(t, uint32(5), client.CurrentBlockNumber())

	assert.Error(t, client.RefreshBlock())
	assert.Len(t, caller.fetchTimes, 2)
	assert.Equal(t, uint32(5), client.CurrentBlockNumber())
}
