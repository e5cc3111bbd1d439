package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// ConnectorClasses lists the connector classes that can be toggled from the
// command line. Order is the boot order.
var ConnectorClasses = []string{"mqtt", "poll", "vp2", "bulk"}

// Flags is the parsed command-line surface of the daemon.
type Flags struct {
	ConfigFile string
	NoDaemon   bool
	Version    bool
	// Enabled maps connector class to whether it should be booted.
	Enabled map[string]bool
}

// ParseFlags parses the daemon's long options. For every connector class
// there is a --no-<class> disable flag and a --only-<class> exclusive-enable
// flag; if any --only-* is given, all classes default to disabled and only the
// named ones run.
func ParseFlags(args []string) (Flags, error) {
	fs := pflag.NewFlagSet("meteodata-collector", pflag.ContinueOnError)

	configFile := fs.String("config-file", DefaultCredentialsPath, "path to the credentials file")
	noDaemon := fs.Bool("no-daemon", false, "stay in the foreground")
	version := fs.Bool("version", false, "print version and exit")

	no := make(map[string]*bool, len(ConnectorClasses))
	only := make(map[string]*bool, len(ConnectorClasses))
	for _, class := range ConnectorClasses {
		no[class] = fs.Bool("no-"+class, false, "disable the "+class+" connectors")
		only[class] = fs.Bool("only-"+class, false, "run only the "+class+" connectors")
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, fmt.Errorf("op=config.ParseFlags: %w", err)
	}

	anyOnly := false
	for _, v := range only {
		if *v {
			anyOnly = true
		}
	}

	enabled := make(map[string]bool, len(ConnectorClasses))
	for _, class := range ConnectorClasses {
		if anyOnly {
			enabled[class] = *only[class]
		} else {
			enabled[class] = !*no[class]
		}
	}

	return Flags{
		ConfigFile: *configFile,
		NoDaemon:   *noDaemon,
		Version:    *version,
		Enabled:    enabled,
	}, nil
}

// EnabledClasses returns the enabled classes in boot order.
func (f Flags) EnabledClasses() []string {
	var out []string
	for _, class := range ConnectorClasses {
		if f.Enabled[class] {
			out = append(out, class)
		}
	}
	return out
}
