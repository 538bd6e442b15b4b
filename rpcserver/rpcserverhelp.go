package rpcserver

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
)

// helpDescs holds the one-line description of every command.
var helpDescs = map[string]string{
	"getbenchmarks":   "Returns the benchmark results of every worker implementation on every resource.",
	"getgenerate":     "Returns if the miner host is generating.",
	"gethashespersec": "Returns the hash rate of the last statistics reduction.",
	"getmininginfo":   "Returns a summary of the mining state.",
	"getworkers":      "Returns the production worker bound to every resource.",
	"help":            "Returns a list of all commands or help for a specified command.",
	"setgenerate":     "Starts or stops the miner host.",
	"stop":            "Shutdown acbcminer.",
	"uptime":          "Returns the total uptime of the process in seconds.",
}

// helpCacher provides a concurrent safe type that provides help and usage for
// the RPC server commands and caches the results for future calls.
type helpCacher struct {
	sync.Mutex
	usage      string
	methodHelp map[string]string
}

// rpcMethodHelp returns an RPC help string for the provided method.
//
// This function is safe for concurrent access.
func (c *helpCacher) rpcMethodHelp(method string) (string, error) {
	c.Lock()
	defer c.Unlock()

	// Return the cached method help if it exists.
	if help, exists := c.methodHelp[method]; exists {
		return help, nil
	}

	// Look up the usage of the method.
	usage, err := btcjson.MethodUsageText(method)
	if err != nil {
		return "", err
	}
	help := fmt.Sprintf("%s\n\n%s", usage, helpDescs[method])

	// Add the help to the map cache.
	c.methodHelp[method] = help
	return help, nil
}

// rpcUsage returns one-line usage for all supported RPC commands.
//
// This function is safe for concurrent access.
func (c *helpCacher) rpcUsage() (string, error) {
	c.Lock()
	defer c.Unlock()

	// Return the cached usage if it is available.
	if c.usage != "" {
		return c.usage, nil
	}

	// Generate a list of one-line usage for every command.
	usageTexts := make([]string, 0, len(rpcHandlers))
	for k := range rpcHandlers {
		usage, err := btcjson.MethodUsageText(k)
		if err != nil {
			return "", err
		}
		usageTexts = append(usageTexts, usage)
	}

	sort.Strings(usageTexts)
	c.usage = strings.Join(usageTexts, "\n")
	return c.usage, nil
}

// newHelpCacher returns a new instance of a help cacher which provides help and
// usage for the RPC server commands and caches the results for future calls.
func newHelpCacher() *helpCacher {
	return &helpCacher{
		methodHelp: make(map[string]string),
	}
}
