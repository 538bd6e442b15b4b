package rpcclient

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/btcsuite/btcd/btcjson"
)

// HTTP headers exchanged with the work authority alongside getwork calls.
const (
	// WorkerHeader carries the identity of the requesting worker.
	WorkerHeader = "X-Mining-Worker"

	// CommentHeader carries a free form comment about the request.
	CommentHeader = "X-Mining-Comment"

	// BlockNumberHeader is set by the authority to its current block
	// number.
	BlockNumberHeader = "X-Blocknum"
)

// WorkReply is the reply to a getwork request.
type WorkReply struct {
	// Work is nil when the authority has no work to hand out.
	Work *btcjson.GetWorkResult

	// BlockNumber is the authority's current block number.  It is only
	// meaningful when HasBlockNumber is set.
	BlockNumber    uint32
	HasBlockNumber bool
}

// requestHeaders returns the per-request headers identifying a worker.
func requestHeaders(workerID, comment string) map[string]string {
	headers := make(map[string]string, 2)
	if workerID != "" {
		headers[WorkerHeader] = workerID
	}
	if comment != "" {
		headers[CommentHeader] = comment
	}
	return headers
}

// parseBlockNumber reads the block number header of a reply.
func parseBlockNumber(header http.Header, reply *WorkReply) {
	if header == nil {
		return
	}
	v := header.Get(BlockNumberHeader)
	if v == "" {
		return
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		log.Debugf("Ignoring malformed %s header %q", BlockNumberHeader, v)
		return
	}
	reply.BlockNumber = uint32(n)
	reply.HasBlockNumber = true
}

// isNull returns whether a raw result is empty or JSON null.
func isNull(res []byte) bool {
	res = bytes.TrimSpace(res)
	return len(res) == 0 || bytes.Equal(res, []byte("null"))
}

// FutureGetWorkResult is a future promise to deliver the result of a
// GetWorkAsync RPC invocation (or an applicable error).
type FutureGetWorkResult chan *Response

// Receive waits for the Response promised by the future and returns the
// work handed out by the server.
//
// The returned reply is never nil: the block number reported by the server
// is filled in even when the call itself failed.
func (r FutureGetWorkResult) Receive() (*WorkReply, error) {
	res, header, err := receiveFutureWithHeader(r)
	reply := &WorkReply{}
	parseBlockNumber(header, reply)
	if err != nil {
		return reply, err
	}
	if isNull(res) {
		return reply, nil
	}

	// Unmarshal result as a getwork result object.
	var result btcjson.GetWorkResult
	err = json.Unmarshal(res, &result)
	if err != nil {
		return reply, err
	}
	reply.Work = &result
	return reply, nil
}

// GetWorkAsync returns an instance of a type that can be used to get the
// result of the RPC at some future time by invoking the Receive function on
// the returned instance.
//
// See GetWork for the blocking version and more details.
func (c *Client) GetWorkAsync(workerID, comment string) FutureGetWorkResult {
	cmd := btcjson.NewGetWorkCmd(nil)
	return c.sendCmd(cmd, requestHeaders(workerID, comment))
}

// GetWork returns hashing data to work on.
func (c *Client) GetWork(workerID, comment string) (*WorkReply, error) {
	return c.GetWorkAsync(workerID, comment).Receive()
}

// FutureGetWorkSubmitResult is a future promise to deliver the result of a
// GetWorkSubmitAsync RPC invocation (or an applicable error).
type FutureGetWorkSubmitResult chan *Response

// Receive waits for the Response promised by the future and returns whether
// or not the submitted block header was accepted.
func (r FutureGetWorkSubmitResult) Receive() (bool, error) {
	res, err := ReceiveFuture(r)
	if err != nil {
		return false, err
	}

	// Unmarshal result as a boolean.
	var accepted bool
	err = json.Unmarshal(res, &accepted)
	if err != nil {
		return false, err
	}

	return accepted, nil
}

// GetWorkSubmitAsync returns an instance of a type that can be used to get the
// result of the RPC at some future time by invoking the Receive function on the
// returned instance.
//
// See GetWorkSubmit for the blocking version and more details.
func (c *Client) GetWorkSubmitAsync(workerID, comment, data string) FutureGetWorkSubmitResult {
	cmd := btcjson.NewGetWorkCmd(&data)
	return c.sendCmd(cmd, requestHeaders(workerID, comment))
}

// GetWorkSubmit submits a block header which is a solution to previously
// requested data and returns whether or not the solution was accepted.
func (c *Client) GetWorkSubmit(workerID, comment, data string) (bool, error) {
	return c.GetWorkSubmitAsync(workerID, comment, data).Receive()
}
