package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/companyzero/cryptobridge/internal/version"
	"github.com/jrick/flagfile"
	"github.com/mitchellh/go-homedir"
	strduration "github.com/xhit/go-str2duration/v2"
)

const appName = "brcbridge"

var (
	// Error to signal loadConfig() completed everything the cmd had to do
	// and main() should exit.
	errCmdDone = errors.New("cmd done")
)

type cfgStringArray []string

func (c *cfgStringArray) String() string {
	return strings.Join(*c, " ")
}

func (c *cfgStringArray) Set(s string) error {
	*c = append(*c, s)
	return nil
}

type config struct {
	// Engine is either "local" or the ws:// or wss:// URL of an engine
	// daemon.
	Engine       string
	CallTimeout  time.Duration
	RootDir      string
	ScryptN      int
	PingInterval time.Duration

	LogFile     string
	MaxLogFiles int
	DebugLevel  string

	// Command and its args.
	Command string
	Args    []string
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, "Usage: %s [options] <command> [command options] [args]\n\n", appName)
	fmt.Fprintf(w, "Commands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", cmd.name, cmd.descr)
	}
	fmt.Fprintf(w, "\nOptions:\n")
	fs.SetOutput(w)
	fs.PrintDefaults()
}

func loadConfig(args []string, stderr io.Writer) (*config, error) {
	homeDir, err := homedir.Dir()
	if err != nil {
		return nil, err
	}
	defaultRootDir := filepath.Join(homeDir, "."+appName)
	defaultCfgFile := filepath.Join(defaultRootDir, appName+".conf")

	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	flagVersion := fs.Bool("version", false, "Display current version and exit")
	flagCfgFile := fs.String("cfg", defaultCfgFile, "Config file to load")
	flagEngine := fs.String("engine", "local", `"local" or the ws:// URL of an engine daemon`)
	flagCallTimeout := fs.String("calltimeout", "1m", "Max time to wait for each engine call")
	flagRootDir := fs.String("root", defaultRootDir, "Root of all app data")
	flagScryptN := fs.Int("scryptn", 1<<15, "Key derivation work factor of the local engine")
	flagPingInterval := fs.String("pinginterval", "30s", "Keepalive interval of engine daemon connections")
	flagLogFile := fs.String("log.logfile", "", "Log file location")
	flagMaxLogFiles := fs.Int("log.maxlogfiles", 3, "Max log files")
	flagDebugLevel := fs.String("log.debuglevel", "warn", "Debug Level")

	// Args are parsed a first time to find the config file, then a second
	// time after it is loaded so that they take precedence.
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			usage(fs, stderr)
			return nil, errCmdDone
		}
		return nil, err
	}
	if *flagVersion {
		fmt.Fprintf(stderr, "%s version %s\n", appName, version.String())
		return nil, errCmdDone
	}

	cfgFile, err := homedir.Expand(*flagCfgFile)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(cfgFile)
	switch {
	case err == nil:
		parser := flagfile.Parser{
			ParseSections: true,
		}
		err = parser.Parse(f, fs)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("unable to parse config file %s: %w", cfgFile, err)
		}
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	case os.IsNotExist(err) && *flagCfgFile == defaultCfgFile:
		// Optional.
	default:
		return nil, err
	}

	if fs.NArg() == 0 {
		usage(fs, stderr)
		return nil, errors.New("no command specified")
	}

	callTimeout, err := strduration.ParseDuration(*flagCallTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid value for flag 'calltimeout': %v", err)
	}
	pingInterval, err := strduration.ParseDuration(*flagPingInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid value for flag 'pinginterval': %v", err)
	}
	if callTimeout <= 0 || pingInterval <= 0 {
		return nil, errors.New("calltimeout and pinginterval must be positive")
	}
	if n := *flagScryptN; n < 2 || n&(n-1) != 0 {
		return nil, fmt.Errorf("scryptn must be a power of 2 greater than 1")
	}
	engine := *flagEngine
	if engine != "local" && !strings.HasPrefix(engine, "ws://") &&
		!strings.HasPrefix(engine, "wss://") {
		return nil, fmt.Errorf("invalid engine %q", engine)
	}

	rootDir, err := homedir.Expand(*flagRootDir)
	if err != nil {
		return nil, err
	}
	logFile, err := homedir.Expand(*flagLogFile)
	if err != nil {
		return nil, err
	}

	return &config{
		Engine:       engine,
		CallTimeout:  callTimeout,
		RootDir:      rootDir,
		ScryptN:      *flagScryptN,
		PingInterval: pingInterval,
		LogFile:      logFile,
		MaxLogFiles:  *flagMaxLogFiles,
		DebugLevel:   *flagDebugLevel,
		Command:      fs.Arg(0),
		Args:         fs.Args()[1:],
	}, nil
}
