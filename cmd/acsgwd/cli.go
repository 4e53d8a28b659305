package main

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// progArgs is the hand-rolled equivalent of the original ProgArgs: a
// small state machine over argv, not a flag-package parser, so the
// daemon's usage text and error messages match the original byte for
// byte (spec §6's CLI).
type progArgs struct {
	cfgFileName  string
	sipLocalPort int
	logOnStdout  bool
	showHelp     bool
	showVersion  bool
}

type argState int

const (
	stateOption argState = iota
	statePort
	stateCfg
)

// parseArgs parses argv[1:] the way Program::ProgArgs did: a single pass
// state machine recognizing -p/--port, -c/--config, -vv/--logstdout,
// -v/--version, -h/--help. Any other token is a hard parse error.
func parseArgs(argv []string) (progArgs, error) {
	args := progArgs{cfgFileName: defaultCfgFileName}
	if len(argv) <= 1 {
		return args, nil
	}

	state := stateOption
	for _, arg := range argv[1:] {
		switch state {
		case stateOption:
			switch arg {
			case "--port", "-p":
				state = statePort
			case "--config", "-c":
				state = stateCfg
			case "--help", "-h":
				args.showHelp = true
			case "--version", "-v":
				args.showVersion = true
			case "--logstdout", "-vv":
				args.logOnStdout = true
			default:
				return progArgs{}, fmt.Errorf("unknown option %q, try with --help or -h", arg)
			}
		case stateCfg:
			args.cfgFileName = arg
			state = stateOption
		case statePort:
			port, err := strconv.Atoi(arg)
			if err != nil {
				return progArgs{}, fmt.Errorf("invalid port %q: %w", arg, err)
			}
			args.sipLocalPort = port
			state = stateOption
		}
	}
	if state != stateOption {
		return progArgs{}, fmt.Errorf("missing argument for trailing option")
	}
	return args, nil
}

func progName(argv []string) string {
	if len(argv) == 0 {
		return "acsgwd"
	}
	return filepath.Base(argv[0])
}

func usage(name string) string {
	return fmt.Sprintf(`Usage:
	%s
		-p | --port <port>
			Bind the SIP control channel to a TCP port number (default is from config)
		-c | --config <config file name>
			Specify the configuration file name (default is %s)
		-vv | --logstdout
			Enable logging on stdout
		-v | --version
			Show software version
		-h | --help
			Show this help`, name, defaultCfgFileName)
}
