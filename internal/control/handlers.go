package control

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/meteologic/meteodata-collector/internal/connector"
)

// GeneralHandler serves the general category: help and process shutdown.
type GeneralHandler struct {
	// Shutdown initiates process termination. It runs asynchronously so the
	// "stopped" reply reaches the operator before the socket goes away.
	Shutdown func()
}

const generalHelp = `general help
general shutdown`

// Handle implements Handler.
func (h *GeneralHandler) Handle(cmd Command) (string, bool) {
	if cmd.Category != "general" {
		return "", false
	}
	switch cmd.Verb {
	case "shutdown":
		if h.Shutdown != nil {
			go h.Shutdown()
		}
		return "stopped", true
	case "help", "":
		return generalHelp, true
	default:
		return fmt.Sprintf("Unknown verb %q", cmd.Verb), true
	}
}

// Directory is the connector table the connectors category operates on. The
// supervisor implements it.
type Directory interface {
	// Connector resolves a connector by name.
	Connector(name string) (connector.Connector, bool)
	// Each visits every connector.
	Each(fn func(connector.Connector))
	// RunContext returns the context restarted connectors run under.
	RunContext() context.Context
}

// ConnectorsHandler serves the connectors category: list, status and
// lifecycle verbs addressed by connector name.
type ConnectorsHandler struct {
	Dir Directory
}

const connectorsHelp = `connectors help
connectors list
connectors status <name>
connectors start <name>
connectors stop <name>
connectors reload <name>`

// Handle implements Handler.
func (h *ConnectorsHandler) Handle(cmd Command) (string, bool) {
	if cmd.Category != "connectors" {
		return "", false
	}
	switch cmd.Verb {
	case "list":
		return h.list(), true
	case "status":
		return h.withConnector(cmd.Argument, func(c connector.Connector) string {
			return c.Status().String()
		}), true
	case "start":
		return h.withConnector(cmd.Argument, func(c connector.Connector) string {
			return okOr(c.Start(h.Dir.RunContext()))
		}), true
	case "stop":
		return h.withConnector(cmd.Argument, func(c connector.Connector) string {
			return okOr(c.Stop())
		}), true
	case "reload":
		return h.withConnector(cmd.Argument, func(c connector.Connector) string {
			return okOr(c.Reload(h.Dir.RunContext()))
		}), true
	case "help", "":
		return connectorsHelp, true
	default:
		return fmt.Sprintf("Unknown verb %q", cmd.Verb), true
	}
}

// list names the live connectors. Stopped connectors stay addressable by the
// lifecycle verbs but are not listed until started again.
func (h *ConnectorsHandler) list() string {
	var names []string
	h.Dir.Each(func(c connector.Connector) {
		if c.Status().State == connector.Stopped {
			return
		}
		names = append(names, c.Name())
	})
	sort.Strings(names)
	if len(names) == 0 {
		return "no connectors"
	}
	return strings.Join(names, "\n")
}

func (h *ConnectorsHandler) withConnector(name string, fn func(connector.Connector) string) string {
	c, ok := h.Dir.Connector(name)
	if !ok {
		return fmt.Sprintf("Unknown or unavailable connector %q", name)
	}
	return fn(c)
}

func okOr(err error) string {
	if err != nil {
		return err.Error()
	}
	return "OK"
}
