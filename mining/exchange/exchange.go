// Package exchange trades work with the remote authority: it fetches work,
// submits solutions and keeps track of the authority's block number, retrying
// failed calls until they succeed.
package exchange

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MonteCarloClub/acbcminer/mining"
	"github.com/MonteCarloClub/acbcminer/mining/pow"
	"github.com/MonteCarloClub/acbcminer/rpcclient"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/decred/dcrd/lru"
)

const (
	// DefaultRetryDelay is the pause between two attempts of a failed call.
	DefaultRetryDelay = 5 * time.Second

	// DefaultDuplicateCacheSize is the number of submitted headers
	// remembered to suppress duplicate solutions.
	DefaultDuplicateCacheSize = 1024

	// refreshComment tags the block number refresh requests.
	refreshComment = "refresh"
)

var (
	// ErrMalformedWork is returned when the authority hands out work that
	// cannot be decoded.
	ErrMalformedWork = errors.New("malformed work")

	// ErrRetriesExhausted is returned when a call still fails after the
	// configured number of retries.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Caller performs single request/response exchanges with the authority.
// It is implemented by *rpcclient.Client.
type Caller interface {
	GetWork(workerID, comment string) (*rpcclient.WorkReply, error)
	GetWorkSubmit(workerID, comment, data string) (bool, error)
}

// Config holds the retry policy and local filtering of a Client.
type Config struct {
	// RetryDelay is the fixed pause between two attempts.
	RetryDelay time.Duration

	// MaxRetries caps the number of retries of a call.  Zero retries
	// forever.
	MaxRetries int

	// DuplicateCacheSize is the number of submitted headers remembered.
	DuplicateCacheSize uint

	// StrictTarget drops candidates whose hash exceeds the target
	// instead of leaving the final check to the authority.
	StrictTarget bool
}

// Client exchanges work with the authority.  It is safe for concurrent use.
type Client struct {
	caller      Caller
	cfg         Config
	notifier    mining.Notifier
	blockNumber atomic.Uint32
	submitted   lru.Cache
}

// New returns a Client using caller for the remote calls.  The notifier may
// be nil.
func New(caller Caller, cfg Config, notifier mining.Notifier) *Client {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.DuplicateCacheSize == 0 {
		cfg.DuplicateCacheSize = DefaultDuplicateCacheSize
	}
	if notifier == nil {
		notifier = mining.Notifiers(nil)
	}
	return &Client{
		caller:    caller,
		cfg:       cfg,
		notifier:  notifier,
		submitted: lru.NewCache(cfg.DuplicateCacheSize),
	}
}

// CurrentBlockNumber returns the last block number learned from the
// authority.
func (c *Client) CurrentBlockNumber() uint32 {
	return c.blockNumber.Load()
}

// observe records the block number carried by a reply.  The number only
// moves forward, so a late reply to an older request cannot roll it back.
func (c *Client) observe(reply *rpcclient.WorkReply) {
	if reply == nil || !reply.HasBlockNumber {
		return
	}
	for {
		old := c.blockNumber.Load()
		if reply.BlockNumber <= old {
			return
		}
		if c.blockNumber.CompareAndSwap(old, reply.BlockNumber) {
			log.Infof("Authority moved to block %d", reply.BlockNumber)
			return
		}
	}
}

// replyBlockNumber is the block number work decoded from reply belongs to.
// Replies without one fall back to the last known block number.
func (c *Client) replyBlockNumber(reply *rpcclient.WorkReply) uint32 {
	if reply.HasBlockNumber {
		return reply.BlockNumber
	}
	return c.CurrentBlockNumber()
}

// reportError publishes application level errors returned by the authority.
func (c *Client) reportError(workerID string, err error) {
	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) {
		return
	}
	c.notifier.Notify(&mining.Notification{
		Type:        mining.NTWorkRejected,
		Worker:      workerID,
		BlockNumber: c.CurrentBlockNumber(),
		Text:        rpcErr.Message,
	})
}

// retry calls fn until it succeeds, waiting the configured delay after every
// failure.  It only gives up when ctx is done or the retry cap is reached.
func (c *Client) retry(ctx context.Context, op, workerID string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		c.reportError(workerID, err)
		if c.cfg.MaxRetries > 0 && attempt > c.cfg.MaxRetries {
			return fmt.Errorf("%s: %w: %v", op, ErrRetriesExhausted, err)
		}

		log.Warnf("Failed %s for worker %q (attempt %d): %v -- retrying "+
			"in %v", op, workerID, attempt, err, c.cfg.RetryDelay)
		timer := time.NewTimer(c.cfg.RetryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// decodeWork validates and decodes a getwork result.
func decodeWork(result *btcjson.GetWorkResult, blockNumber uint32) (*mining.Work, error) {
	data, err := hex.DecodeString(result.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrMalformedWork, err)
	}
	if len(data) != pow.PaddedHeaderSize {
		return nil, fmt.Errorf("%w: data is %d bytes, want %d",
			ErrMalformedWork, len(data), pow.PaddedHeaderSize)
	}
	target, err := hex.DecodeString(result.Target)
	if err != nil {
		return nil, fmt.Errorf("%w: target: %v", ErrMalformedWork, err)
	}
	if len(target) != mining.TargetSize {
		return nil, fmt.Errorf("%w: target is %d bytes, want %d",
			ErrMalformedWork, len(target), mining.TargetSize)
	}

	work := &mining.Work{BlockNumber: blockNumber}
	copy(work.Header[:], data)
	copy(work.Target[:], target)
	return work, nil
}

// FetchWork requests a unit of work for the passed worker.  Failed and
// malformed replies are retried.  It returns nil work when the authority has
// none, and an error only when ctx is done or the retry cap is reached.
func (c *Client) FetchWork(ctx context.Context, workerID, comment string) (*mining.Work, error) {
	var work *mining.Work
	err := c.retry(ctx, "getwork", workerID, func() error {
		reply, err := c.caller.GetWork(workerID, comment)
		c.observe(reply)
		if err != nil {
			return err
		}
		if reply.Work == nil {
			work = nil
			return nil
		}
		work, err = decodeWork(reply.Work, c.replyBlockNumber(reply))
		return err
	})
	if err != nil {
		return nil, err
	}
	if work != nil {
		log.Debugf("New work for worker %q: %v", workerID, work)
	}
	return work, nil
}

// SubmitWork submits a solved header and returns whether the authority
// accepted it.  Both outcomes are logged and published to the notifier.
// Candidates dropped locally, as duplicates or above the target in strict
// mode, are published as rejected with the reason as text.
func (c *Client) SubmitWork(ctx context.Context, workerID, comment string, work *mining.Work) (bool, error) {
	hash := pow.HeaderHash(&work.Header)
	ntfn := &mining.Notification{
		Type:        mining.NTSolutionRejected,
		Worker:      workerID,
		BlockNumber: work.BlockNumber,
		Nonce:       pow.Nonce(&work.Header),
		Hash:        hash,
	}

	if c.submitted.Contains(work.Header) {
		log.Infof("Duplicate solution %v from worker %q not submitted",
			&hash, workerID)
		ntfn.Text = "duplicate"
		c.notifier.Notify(ntfn)
		return false, nil
	}
	if c.cfg.StrictTarget && !pow.HashMeetsTarget(&hash, &work.Target) {
		log.Debugf("Candidate %v from worker %q is above the target",
			&hash, workerID)
		ntfn.Text = "above target"
		c.notifier.Notify(ntfn)
		return false, nil
	}

	padded := pow.PadHeader(&work.Header)
	data := hex.EncodeToString(padded[:])
	var accepted bool
	err := c.retry(ctx, "getwork submit", workerID, func() error {
		var err error
		accepted, err = c.caller.GetWorkSubmit(workerID, comment, data)
		return err
	})
	if err != nil {
		return false, err
	}
	c.submitted.Add(work.Header)

	if accepted {
		log.Infof("Solution %v from worker %q accepted (block %d)",
			&hash, workerID, work.BlockNumber)
		ntfn.Type = mining.NTSolutionAccepted
	} else {
		log.Infof("Solution %v from worker %q rejected (block %d)",
			&hash, workerID, work.BlockNumber)
	}
	c.notifier.Notify(ntfn)
	return accepted, nil
}

// RefreshBlock asks the authority for work only to learn its current block
// number.  It makes a single attempt.
func (c *Client) RefreshBlock() error {
	reply, err := c.caller.GetWork("", refreshComment)
	c.observe(reply)
	if err != nil {
		c.reportError("", err)
	}
	return err
}
