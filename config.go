package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/MonteCarloClub/acbcminer/log"
	"github.com/MonteCarloClub/acbcminer/mining/exchange"
	"github.com/MonteCarloClub/acbcminer/mining/host"
	"github.com/MonteCarloClub/acbcminer/mining/scheduler"
	"github.com/MonteCarloClub/acbcminer/mining/stats"
	"github.com/MonteCarloClub/acbcminer/rpcserver"
	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename  = "acbcminer.conf"
	defaultDataDirname     = "data"
	defaultLogLevel        = "info"
	defaultLogDirname      = "logs"
	defaultLogFilename     = "acbcminer.log"
	defaultAuthorityPort   = "8334"
	defaultControlPort     = "8336"
	defaultControlKeyFile  = "control.key"
	defaultControlCertFile = "control.cert"
)

var (
	defaultHomeDir     = btcutil.AppDataDir("acbcminer", false)
	defaultConfigFile  = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir     = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir      = filepath.Join(defaultHomeDir, defaultLogDirname)
	defaultControlKey  = filepath.Join(defaultHomeDir, defaultControlKeyFile)
	defaultControlCert = filepath.Join(defaultHomeDir, defaultControlCertFile)
	defaultRPCConnect  = net.JoinHostPort("localhost", defaultAuthorityPort)
	defaultRPCCertFile = filepath.Join(btcutil.AppDataDir("acbc", false), "rpc.cert")
)

// config defines the configuration options for acbcminer.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	RPCConnect string        `short:"c" long:"rpcconnect" description:"Hostname/IP and port of the work authority"`
	RPCUser    string        `short:"u" long:"rpcuser" description:"Username for the work authority"`
	RPCPass    string        `short:"P" long:"rpcpass" default-mask:"-" description:"Password for the work authority"`
	RPCCookie  string        `long:"rpccookie" description:"Cookie file holding the work authority credentials, used instead of rpcuser/rpcpass"`
	RPCCert    string        `long:"rpccert" description:"File containing the work authority's certificate"`
	NoTLS      bool          `long:"notls" description:"Disable TLS towards the work authority"`
	RPCTimeout time.Duration `long:"rpctimeout" description:"Timeout of a single request to the work authority"`
	Proxy      string        `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser  string        `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass  string        `long:"proxypass" default-mask:"-" description:"Password for proxy server"`

	WorkerName      string        `long:"workername" description:"Prefix of the worker ids reported to the work authority"`
	RetryDelay      time.Duration `long:"retrydelay" description:"Pause between two attempts of a failed request"`
	MaxRetries      int           `long:"maxretries" description:"Maximum number of retries of a failed request (0 retries forever)"`
	RefreshInterval time.Duration `long:"refreshinterval" description:"Period of the block number refresh"`
	StatsInterval   time.Duration `long:"statsinterval" description:"Period of the hash rate computation"`
	SampleDuration  time.Duration `long:"sampleduration" description:"How long each competing worker implementation is benchmarked"`
	CPUs            int           `long:"cpus" description:"Number of logical CPUs to mine on (0 for all)"`
	NoSHA           bool          `long:"nosha" description:"Do not use the SHA instruction set extensions"`
	StrictLocal     bool          `long:"strictlocal" description:"Only submit solutions meeting the target locally"`
	NoGenerate      bool          `long:"nogenerate" description:"Do not start mining until requested through the control server"`
	NoStore         bool          `long:"nostore" description:"Do not record benchmarks and sessions"`

	ControlListeners     []string `long:"controllisten" description:"Add an interface/port to listen for control connections (default port: 8336)"`
	ControlUser          string   `long:"controluser" description:"Username for control connections"`
	ControlPass          string   `long:"controlpass" default-mask:"-" description:"Password for control connections"`
	ControlLimitUser     string   `long:"controllimituser" description:"Username for limited control connections"`
	ControlLimitPass     string   `long:"controllimitpass" default-mask:"-" description:"Password for limited control connections"`
	ControlCert          string   `long:"controlcert" description:"File containing the control server certificate"`
	ControlKey           string   `long:"controlkey" description:"File containing the control server certificate key"`
	NoControlTLS         bool     `long:"nocontroltls" description:"Disable TLS for the control server -- NOTE: This is only allowed if the control server is bound to localhost"`
	NoControl            bool     `long:"nocontrol" description:"Disable the control server -- NOTE: The control server is disabled by default if no controluser/controlpass is specified"`
	ControlMaxClients    int      `long:"controlmaxclients" description:"Max number of control clients for standard connections"`
	ControlMaxWebsockets int      `long:"controlmaxwebsockets" description:"Max number of control websocket connections"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// normalizeAddresses returns a new slice with all the passed peer addresses
// normalized with the given default port, and all duplicates removed.
func normalizeAddresses(addrs []string, defaultPort string) []string {
	result := make([]string, 0, len(addrs))
	seen := map[string]struct{}{}
	for _, addr := range addrs {
		addr = normalizeAddress(addr, defaultPort)
		if _, ok := seen[addr]; !ok {
			result = append(result, addr)
			seen[addr] = struct{}{}
		}
	}
	return result
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// isLoopback reports whether every passed listen address is bound to a
// loopback interface.
func isLoopback(addrs []string) bool {
	for _, addr := range addrs {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return false
		}
		if host == "localhost" {
			continue
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return false
		}
	}
	return true
}

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfg *config, options flags.Options) *flags.Parser {
	return flags.NewParser(cfg, options)
}

// defaultConfig returns the configuration with every option at its default.
func defaultConfig() config {
	return config{
		ConfigFile:           defaultConfigFile,
		DataDir:              defaultDataDir,
		LogDir:               defaultLogDir,
		DebugLevel:           defaultLogLevel,
		RPCConnect:           defaultRPCConnect,
		RPCCert:              defaultRPCCertFile,
		RetryDelay:           exchange.DefaultRetryDelay,
		RefreshInterval:      host.DefaultRefreshInterval,
		StatsInterval:        stats.DefaultInterval,
		SampleDuration:       scheduler.DefaultSampleDuration,
		ControlCert:          defaultControlCert,
		ControlKey:           defaultControlKey,
		ControlMaxClients:    rpcserver.DefaultMaxClients,
		ControlMaxWebsockets: rpcserver.DefaultMaxWebsockets,
	}
}

// validate checks the parsed options and fills in the values derived from
// them.  It does not touch the file system.
func (cfg *config) validate() error {
	switch {
	case cfg.RetryDelay <= 0:
		return errors.New("retrydelay must be positive")
	case cfg.RefreshInterval <= 0:
		return errors.New("refreshinterval must be positive")
	case cfg.StatsInterval <= 0:
		return errors.New("statsinterval must be positive")
	case cfg.SampleDuration <= 0:
		return errors.New("sampleduration must be positive")
	case cfg.RPCTimeout < 0:
		return errors.New("rpctimeout may not be negative")
	case cfg.MaxRetries < 0:
		return errors.New("maxretries may not be negative")
	case cfg.CPUs < 0:
		return errors.New("cpus may not be negative")
	case cfg.ControlMaxClients < 1:
		return errors.New("controlmaxclients must be at least 1")
	case cfg.ControlMaxWebsockets < 1:
		return errors.New("controlmaxwebsockets must be at least 1")
	}

	if cfg.RPCConnect == "" {
		return errors.New("rpcconnect may not be empty")
	}
	cfg.RPCConnect = normalizeAddress(cfg.RPCConnect, defaultAuthorityPort)
	if cfg.RPCCookie == "" && (cfg.RPCUser == "" || cfg.RPCPass == "") {
		return errors.New("either rpcuser and rpcpass or rpccookie " +
			"must be specified")
	}
	if cfg.RPCCookie != "" && (cfg.RPCUser != "" || cfg.RPCPass != "") {
		return errors.New("rpccookie and rpcuser/rpcpass may not " +
			"be used together")
	}
	if cfg.Proxy == "" && (cfg.ProxyUser != "" || cfg.ProxyPass != "") {
		return errors.New("proxyuser and proxypass require proxy")
	}
	if strings.Contains(cfg.WorkerName, "/") {
		return errors.New("workername may not contain '/'")
	}

	// The control server is disabled if no username or password is
	// provided.
	if cfg.ControlUser == "" || cfg.ControlPass == "" {
		cfg.NoControl = true
	}
	if cfg.NoControl {
		return nil
	}
	if cfg.ControlUser == cfg.ControlLimitUser {
		return errors.New("controluser and controllimituser must not " +
			"be the same")
	}
	if (cfg.ControlLimitUser == "") != (cfg.ControlLimitPass == "") {
		return errors.New("controllimituser and controllimitpass must " +
			"be specified together")
	}

	// Default control to listen on localhost only.
	if len(cfg.ControlListeners) == 0 {
		addrs, err := net.LookupHost("localhost")
		if err != nil {
			return err
		}
		cfg.ControlListeners = make([]string, 0, len(addrs))
		for _, addr := range addrs {
			addr = net.JoinHostPort(addr, defaultControlPort)
			cfg.ControlListeners = append(cfg.ControlListeners, addr)
		}
	}
	cfg.ControlListeners = normalizeAddresses(cfg.ControlListeners,
		defaultControlPort)

	// Only allow TLS to be disabled if the control server is bound to
	// localhost addresses.
	if cfg.NoControlTLS && !isLoopback(cfg.ControlListeners) {
		return errors.New("the nocontroltls option may not be used " +
			"when binding the control server to non localhost addresses")
	}
	return nil
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in acbcminer functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := newConfigParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := newConfigParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintf(os.Stderr, "Error parsing config "+
				"file: %v\n", err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, nil, err
	}

	// Create the home directory if it doesn't already exist.
	funcName := "loadConfig"
	err = os.MkdirAll(defaultHomeDir, 0700)
	if err != nil {
		str := "%s: failed to create home directory: %v"
		err := fmt.Errorf(str, funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.RPCCert = cleanAndExpandPath(cfg.RPCCert)
	cfg.ControlCert = cleanAndExpandPath(cfg.ControlCert)
	cfg.ControlKey = cleanAndExpandPath(cfg.ControlKey)
	if cfg.RPCCookie != "" {
		cfg.RPCCookie = cleanAndExpandPath(cfg.RPCCookie)
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", log.SupportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	log.InitLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := log.ParseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	if err := cfg.validate(); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}
	if cfg.NoControl {
		log.AmnrLog.Info("Control server is disabled")
	}

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		log.AmnrLog.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
