package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/companyzero/cryptobridge/internal/version"
	"github.com/mitchellh/go-homedir"
	"github.com/vaughan0/go-ini"
	strduration "github.com/xhit/go-str2duration/v2"
)

const appName = "brcengined"

var errCmdDone = errors.New("cmd done")

type settings struct {
	Listen           []string // listen addresses
	ListenPrometheus string   // listen addr for metrics
	Path             string   // websocket endpoint path
	DataDir          string

	TLSCertFile string
	TLSKeyFile  string

	ScryptN      int
	PingInterval time.Duration
	PongTimeout  time.Duration

	// log section
	LogFile     string // log filename
	MaxLogFiles int
	DebugLevel  string // debug level config string
	Profiler    string // go profiler link
}

func defaultSettings(rootDir string) *settings {
	return &settings{
		Listen:       []string{"127.0.0.1:7950"},
		Path:         "/engine",
		DataDir:      rootDir,
		ScryptN:      1 << 15,
		PingInterval: 30 * time.Second,
		PongTimeout:  10 * time.Second,
		LogFile:      filepath.Join(rootDir, "logs", appName+".log"),
		MaxLogFiles:  10,
		DebugLevel:   "info",
	}
}

func obtainSettings() (*settings, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, err
	}
	rootDir := filepath.Join(home, "."+appName)

	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	filename := fs.String("cfg", filepath.Join(rootDir, appName+".conf"), "config file")
	versionFlag := fs.Bool("version", false, "show version")
	showEnvFlag := fs.Bool("showenv", false, "show environment and config information")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, errCmdDone
		}
		return nil, err
	}

	if *versionFlag || *showEnvFlag {
		fmt.Fprintf(os.Stderr, "%s %s (%s)\n", appName, version.String(), runtime.Version())
	}
	if *versionFlag {
		return nil, errCmdDone
	}

	cfgFile, err := homedir.Expand(*filename)
	if err != nil {
		return nil, err
	}
	s, err := loadSettings(cfgFile, rootDir)
	if err != nil {
		return nil, err
	}

	if *showEnvFlag {
		println := func(format string, args ...interface{}) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		}
		println("Root dir: %s", rootDir)
		println("Config file path: %s", cfgFile)
		println("Data dir: %s", s.DataDir)
		println("Endpoint path: %s", s.Path)
		println("TLS enabled: %v", s.TLSCertFile != "")
		println("Listening addresses:")
		for i, addr := range s.Listen {
			println("  %d - %q", i, addr)
		}
		return nil, errCmdDone
	}

	return s, nil
}

// loadSettings loads the config file over the default settings. A missing
// config file leaves every default in place.
func loadSettings(filename, rootDir string) (*settings, error) {
	s := defaultSettings(rootDir)

	cfg, err := ini.LoadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	get := func(s *string, section, field string) bool {
		v, ok := cfg.Get(section, field)
		if ok {
			*s = v
		}
		return ok
	}
	getInt := func(i *int, section, field string) error {
		s, ok := cfg.Get(section, field)
		if !ok {
			return nil
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid value for %q: %v", field, err)
		}
		*i = v
		return nil
	}
	getDuration := func(d *time.Duration, section, field string) error {
		s, ok := cfg.Get(section, field)
		if !ok {
			return nil
		}
		v, err := strduration.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid value for %q: %v", field, err)
		}
		*d = v
		return nil
	}
	expand := func(path *string) error {
		var err error
		*path, err = homedir.Expand(*path)
		return err
	}

	// Fill settings.
	get(&s.LogFile, "log", "logfile")
	get(&s.DebugLevel, "log", "debuglevel")
	get(&s.Profiler, "log", "profiler")
	get(&s.ListenPrometheus, "", "listenprometheus")
	get(&s.Path, "", "path")
	get(&s.DataDir, "", "datadir")
	get(&s.TLSCertFile, "", "tlscert")
	get(&s.TLSKeyFile, "", "tlskey")
	if err := getInt(&s.MaxLogFiles, "log", "maxlogfiles"); err != nil {
		return nil, err
	}
	if err := getInt(&s.ScryptN, "engine", "scryptn"); err != nil {
		return nil, err
	}
	if err := getDuration(&s.PingInterval, "engine", "pinginterval"); err != nil {
		return nil, err
	}
	if err := getDuration(&s.PongTimeout, "engine", "pongtimeout"); err != nil {
		return nil, err
	}

	rawListen, ok := cfg.Get("", "listen")
	if ok {
		var listenList []string
		for _, addr := range strings.Split(rawListen, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				listenList = append(listenList, addr)
			}
		}
		s.Listen = listenList
	}

	// Sanity checks.
	if len(s.Listen) == 0 {
		return nil, errors.New("no listen addresses")
	}
	if !strings.HasPrefix(s.Path, "/") {
		return nil, fmt.Errorf("endpoint path %q must start with /", s.Path)
	}
	if (s.TLSCertFile == "") != (s.TLSKeyFile == "") {
		return nil, errors.New("tlscert and tlskey must be set together")
	}
	if s.ScryptN <= 1 || s.ScryptN&(s.ScryptN-1) != 0 {
		return nil, fmt.Errorf("scryptn %d is not a power of 2 greater than 1", s.ScryptN)
	}
	if s.PingInterval <= 0 || s.PongTimeout <= 0 {
		return nil, errors.New("ping interval and pong timeout must be positive")
	}
	for _, path := range []*string{&s.LogFile, &s.DataDir, &s.TLSCertFile, &s.TLSKeyFile} {
		if err := expand(path); err != nil {
			return nil, err
		}
	}

	return s, nil
}
