package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/miekg/dns"
)

const (
	defaultConfigFilename = "btcsyncd.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "btcsyncd.log"
	defaultMaxPeers       = 125
	defaultBanDuration    = time.Hour * 24
	defaultBanThreshold   = 100
	defaultTargetOutbound = 8
	defaultConnectTimeout = time.Second * 30
)

// cfg is the loaded runtime configuration.  It is set early in main and
// treated as read-only afterwards.
var cfg *config

var (
	defaultHomeDir    = btcutil.AppDataDir("btcsyncd", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config defines the configuration options for btcsyncd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion    bool          `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile     string        `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir        string        `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir         string        `long:"logdir" description:"Directory to log output."`
	AddPeers       []string      `short:"a" long:"addpeer" description:"Add a peer to connect with at startup"`
	ConnectPeers   []string      `long:"connect" description:"Connect only to the specified peers at startup"`
	DisableListen  bool          `long:"nolisten" description:"Disable listening for incoming connections -- NOTE: Listening is automatically disabled if the --connect option is used"`
	Listeners      []string      `long:"listen" description:"Add an interface/port to listen for connections (default all interfaces port: 8333, testnet: 18333)"`
	MaxPeers       int           `long:"maxpeers" description:"Max number of inbound and outbound peers"`
	TargetOutbound int           `long:"targetoutbound" description:"Number of outbound connections to maintain"`
	DisableDNSSeed bool          `long:"nodnsseed" description:"Disable DNS seeding for peers"`
	BanDuration    time.Duration `long:"banduration" description:"How long to ban misbehaving peers.  Valid time units are {s, m, h}.  Minimum 1 second"`
	BanThreshold   uint32        `long:"banthreshold" description:"Maximum allowed ban score before disconnecting and banning misbehaving peers."`
	ExternalIPs    []string      `long:"externalip" description:"Add an ip to the list of local addresses we claim to listen on to peers"`
	TestNet3       bool          `long:"testnet" description:"Use the test network"`
	RegressionTest bool          `long:"regtest" description:"Use the regression test network"`
	SimNet         bool          `long:"simnet" description:"Use the simulation test network"`
	DebugLevel     string        `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	MetricsListen  string        `long:"metricslisten" description:"Interface/port to serve Prometheus metrics on (disabled when empty)"`
	UserAgent      string        `long:"useragent" description:"User agent name to advertise to peers"`

	lookup func(string) ([]net.IP, error)
	dial   func(string, string, time.Duration) (net.Conn, error)
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
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

// dnsLookup resolves the IP addresses of the given host using the system's
// configured resolvers directly.  Falls back to the net package resolver when
// the resolver configuration cannot be read.
func dnsLookup(host string) ([]net.IP, error) {
	// A plain IP address needs no resolution.
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return net.LookupIP(host)
	}
	server := net.JoinHostPort(conf.Servers[0], conf.Port)

	client := &dns.Client{Timeout: time.Second * 10}
	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		resp, _, err := client.Exchange(m, server)
		if err != nil {
			continue
		}
		for _, answer := range resp.Answer {
			switch rr := answer.(type) {
			case *dns.A:
				ips = append(ips, rr.A)
			case *dns.AAAA:
				ips = append(ips, rr.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("unable to resolve %q", host)
	}
	return ips, nil
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in btcsyncd functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		ConfigFile:     defaultConfigFile,
		DataDir:        defaultDataDir,
		LogDir:         defaultLogDir,
		DebugLevel:     defaultLogLevel,
		MaxPeers:       defaultMaxPeers,
		TargetOutbound: defaultTargetOutbound,
		BanDuration:    defaultBanDuration,
		BanThreshold:   defaultBanThreshold,
		UserAgent:      "btcsyncd",
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(0)
		}
		return nil, nil, err
	}

	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, version())
		os.Exit(0)
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(
		cleanAndExpandPath(preCfg.ConfigFile),
	)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintf(os.Stderr, "Error parsing config file: "+
				"%v\n", err)
			return nil, nil, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(0)
		}
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	numNets := 0
	if cfg.TestNet3 {
		numNets++
		activeNetParams = &testNet3Params
	}
	if cfg.RegressionTest {
		numNets++
		activeNetParams = &regressionNetParams
	}
	if cfg.SimNet {
		numNets++
		activeNetParams = &simNetParams
	}
	if numNets > 1 {
		str := "%s: The testnet, regtest, and simnet params can't be " +
			"used together -- choose one of the three"
		err := fmt.Errorf(str, "loadConfig")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Append the network type to the data and log directories so they are
	// "namespaced" per network.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DataDir = filepath.Join(cfg.DataDir, netName(activeNetParams))
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, netName(activeNetParams))

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", func() []string {
			subsystems := supportedSubsystems()
			sort.Strings(subsystems)
			return subsystems
		}())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("loadConfig: %v", err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Don't allow ban durations that are too short.
	if cfg.BanDuration < time.Second {
		str := "%s: The banduration option may not be less than 1s " +
			"-- parsed [%v]"
		err := fmt.Errorf(str, "loadConfig", cfg.BanDuration)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// --addpeer and --connect are mutually exclusive.
	if len(cfg.AddPeers) > 0 && len(cfg.ConnectPeers) > 0 {
		str := "%s: the --addpeer and --connect options can not be " +
			"mixed"
		err := fmt.Errorf(str, "loadConfig")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// --connect implies --nolisten and --nodnsseed since the node is being
	// pointed at specific peers only.
	if len(cfg.ConnectPeers) > 0 {
		cfg.DisableListen = true
		cfg.DisableDNSSeed = true
	}

	// Add the default listener if none were specified.  The default
	// listener is all addresses on the listen port for the network we are
	// to connect to.
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []string{
			net.JoinHostPort("", activeNetParams.defaultPort),
		}
	}

	// Add default port to all addresses which need one and remove
	// duplicate addresses.
	cfg.Listeners = normalizeAddresses(
		cfg.Listeners, activeNetParams.defaultPort,
	)
	cfg.AddPeers = normalizeAddresses(
		cfg.AddPeers, activeNetParams.defaultPort,
	)
	cfg.ConnectPeers = normalizeAddresses(
		cfg.ConnectPeers, activeNetParams.defaultPort,
	)

	// Setup dial and DNS resolution functions.
	cfg.dial = net.DialTimeout
	cfg.lookup = dnsLookup

	return &cfg, remainingArgs, nil
}
