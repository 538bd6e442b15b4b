package rpcserver

import (
	"github.com/MonteCarloClub/acbcminer/mining"
	"github.com/btcsuite/btcd/btcjson"
)

// MinerNotificationNtfnMethod is the method of the notification pushed to
// websocket clients for every mining event.
const MinerNotificationNtfnMethod = "minernotification"

// GetWorkersCmd defines the getworkers JSON-RPC command.
type GetWorkersCmd struct{}

// NewGetWorkersCmd returns a new instance which can be used to issue a
// getworkers JSON-RPC command.
func NewGetWorkersCmd() *GetWorkersCmd {
	return &GetWorkersCmd{}
}

// GetBenchmarksCmd defines the getbenchmarks JSON-RPC command.
type GetBenchmarksCmd struct{}

// NewGetBenchmarksCmd returns a new instance which can be used to issue a
// getbenchmarks JSON-RPC command.
func NewGetBenchmarksCmd() *GetBenchmarksCmd {
	return &GetBenchmarksCmd{}
}

// MinerNotificationNtfn defines the minernotification JSON-RPC notification.
type MinerNotificationNtfn struct {
	Type        string
	Worker      string
	BlockNumber uint32
	Nonce       uint32
	Hash        string
	Text        string
}

// NewMinerNotificationNtfn returns a new instance which can be used to issue
// a minernotification JSON-RPC notification.
func NewMinerNotificationNtfn(n *mining.Notification) *MinerNotificationNtfn {
	return &MinerNotificationNtfn{
		Type:        n.Type.String(),
		Worker:      n.Worker,
		BlockNumber: n.BlockNumber,
		Nonce:       n.Nonce,
		Hash:        n.Hash.String(),
		Text:        n.Text,
	}
}

// GetMiningInfoResult models the data from the getmininginfo command.
type GetMiningInfoResult struct {
	Generate       bool   `json:"generate"`
	HashesPerSec   int64  `json:"hashespersec"`
	LifetimeHashes uint64 `json:"lifetimehashes"`
	Accepted       uint64 `json:"accepted"`
	Rejected       uint64 `json:"rejected"`
	BlockNumber    uint32 `json:"blocknumber"`
	Workers        int    `json:"workers"`
}

// WorkerResult models one entry of the getworkers command.
type WorkerResult struct {
	Resource string `json:"resource"`
	Factory  string `json:"factory"`
	Started  int64  `json:"started"`
	Uptime   int64  `json:"uptime"`
}

// BenchmarkResult models one entry of the getbenchmarks command.
type BenchmarkResult struct {
	Resource     string  `json:"resource"`
	Factory      string  `json:"factory"`
	Hashes       uint64  `json:"hashes"`
	HashesPerSec float64 `json:"hashespersec"`
	Selected     bool    `json:"selected"`
	Time         int64   `json:"time"`
}

func init() {
	// No special flags for commands.
	flags := btcjson.UsageFlag(0)

	btcjson.MustRegisterCmd("getworkers", (*GetWorkersCmd)(nil), flags)
	btcjson.MustRegisterCmd("getbenchmarks", (*GetBenchmarksCmd)(nil), flags)
	btcjson.MustRegisterCmd(MinerNotificationNtfnMethod,
		(*MinerNotificationNtfn)(nil),
		btcjson.UFWebsocketOnly|btcjson.UFNotification)
}
