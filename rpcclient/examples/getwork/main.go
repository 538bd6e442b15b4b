package main

import (
	"log"

	"github.com/MonteCarloClub/acbcminer/rpcclient"
	"github.com/btcsuite/btcd/btcjson"
)

func main() {
	// Connect to a local work authority using HTTP POST mode.
	connCfg := &rpcclient.ConnConfig{
		Host:       "127.0.0.1:8334",
		User:       "yourrpcuser",
		Pass:       "yourrpcpass",
		DisableTLS: true,
	}
	client, err := rpcclient.New(connCfg)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		client.Shutdown()
		client.WaitForShutdown()
	}()

	// Ask for one unit of work on behalf of an example worker.
	reply, err := client.GetWork("example", "")
	if err != nil {
		log.Fatal(err)
	}
	if reply.HasBlockNumber {
		log.Printf("Authority is at block %d", reply.BlockNumber)
	}
	if reply.Work == nil {
		log.Printf("No work available")
		return
	}
	log.Printf("Data: %s", reply.Work.Data)
	log.Printf("Target: %s", reply.Work.Target)

	// Any registered command can be sent as is and its raw result read
	// back.
	raw, err := rpcclient.ReceiveFuture(client.SendCmd(btcjson.NewGetWorkCmd(nil)))
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Raw getwork reply: %s", raw)
}
