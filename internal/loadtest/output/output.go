// Package output implements the sinks a run reports to: the console
// summary, JSON and NDJSON files, an HTML report and a Prometheus exporter.
package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/wesleyorama2/rampart/internal/loadtest/engine"
)

// Params contains the constructor parameters of an output.
type Params struct {
	// Argument is the part after "=" in --out type=argument.
	Argument string

	Logger logrus.FieldLogger
	Stdout io.Writer
}

type constructor func(Params) (engine.Output, error)

var constructors = map[string]constructor{
	"html":       func(p Params) (engine.Output, error) { return NewHTML(p), nil },
	"json":       func(p Params) (engine.Output, error) { return NewJSON(p), nil },
	"ndjson":     func(p Params) (engine.Output, error) { return NewNDJSON(p), nil },
	"prometheus": func(p Params) (engine.Output, error) { return NewPrometheus(p) },
}

// Types returns the names accepted by Create, sorted.
func Types() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseArgument splits "type=argument".
func ParseArgument(s string) (typ, arg string) {
	parts := strings.SplitN(s, "=", 2)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], parts[1]
	}
}

// Create builds an output per --out argument.
func Create(args []string, base Params) ([]engine.Output, error) {
	if base.Logger == nil {
		base.Logger = logrus.StandardLogger()
	}
	if base.Stdout == nil {
		base.Stdout = os.Stdout
	}

	outputs := make([]engine.Output, 0, len(args))
	for _, full := range args {
		typ, arg := ParseArgument(full)
		ctor, ok := constructors[typ]
		if !ok {
			return nil, fmt.Errorf("invalid output type '%s', available types are: %s",
				typ, strings.Join(Types(), ", "))
		}

		params := base
		params.Argument = arg
		params.Logger = base.Logger.WithField("output", typ)

		out, err := ctor(params)
		if err != nil {
			return nil, fmt.Errorf("could not create the '%s' output: %w", typ, err)
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// openFile opens path for writing; "" and "-" mean stdout.
func openFile(path string, stdout io.Writer) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func fileDescription(typ, path string) string {
	if path == "" || path == "-" {
		return typ + " (stdout)"
	}
	return fmt.Sprintf("%s (%s)", typ, path)
}
