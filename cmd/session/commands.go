package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"protoedit/editcore/internal/controller"
	"protoedit/editcore/pkg/wire"

	"github.com/docopt/docopt-go"
	"github.com/mattn/go-shellwords"
)

const usage = `Editing session commands.

Usage:
    session set <path> [--] <value>...
    session add <collection> <id> [--] <value>...
    session del <collection> <id>
    session undo
    session redo
    session show
    session stack
    session flush
    session saveas <name>...
    session public (on|off)
    session help
    session (quit|exit)

A path is a field key or "collection/id". Values are read as JSON and
anything else is kept as text. Quote values with spaces or JSON objects,
e.g. add widgets w1 '{"x": 1}'.`

var errUsage = errors.New("invalid command, type help")

var parser = &docopt.Parser{
	HelpHandler:   docopt.NoHelpHandler,
	SkipHelpFlags: true,
}

// session runs the line commands of a headless editing session. exec must
// be called on the scheduler thread of the controller.
type session struct {
	ctrl *controller.Controller
	out  io.Writer
}

// parseValue reads a JSON value, falling back to the raw text as a string
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// joined returns the words of a repeated argument separated by single spaces
func joined(opts docopt.Opts, key string) string {
	words, _ := opts[key].([]string)
	return strings.Join(words, " ")
}

// exec runs one command line and reports whether the session should end
func (s *session) exec(line string) (bool, error) {
	args, err := shellwords.Parse(line)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errUsage, err)
	}
	if len(args) == 0 {
		return false, nil
	}
	opts, err := parser.ParseArgs(usage, args, "")
	if err != nil {
		return false, errUsage
	}

	if x, _ := opts.Bool("help"); x {
		fmt.Fprintln(s.out, usage)
	} else if x, _ := opts.Bool("set"); x {
		path, _ := opts.String("<path>")
		s.ctrl.SetField(path, parseValue(joined(opts, "<value>")))
	} else if x, _ := opts.Bool("add"); x {
		collection, _ := opts.String("<collection>")
		id, _ := opts.String("<id>")
		s.ctrl.AddEntry(collection, id, parseValue(joined(opts, "<value>")))
	} else if x, _ := opts.Bool("del"); x {
		collection, _ := opts.String("<collection>")
		id, _ := opts.String("<id>")
		return false, s.ctrl.RemoveEntry(collection, id)
	} else if x, _ := opts.Bool("undo"); x {
		s.ctrl.Undo()
	} else if x, _ := opts.Bool("redo"); x {
		s.ctrl.Redo()
	} else if x, _ := opts.Bool("show"); x {
		data, err := json.MarshalIndent(s.ctrl.Document(), "", "  ")
		if err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, string(data))
	} else if x, _ := opts.Bool("stack"); x {
		st := s.ctrl.CommandStack()
		fmt.Fprintf(s.out, "pos %d of %d, next id %d\n", st.Pos, st.Len(), st.LastUUID)
	} else if x, _ := opts.Bool("flush"); x {
		s.ctrl.Flush()
	} else if x, _ := opts.Bool("saveas"); x {
		s.ctrl.SaveAs(joined(opts, "<name>"), func(doc *wire.Document, err error) {
			if err == nil {
				fmt.Fprintf(s.out, "saved as %s (%s)\n", doc.Name, doc.ID)
			}
		})
	} else if x, _ := opts.Bool("public"); x {
		on, _ := opts.Bool("on")
		s.ctrl.SetPublic(on)
	} else if quit, _ := opts.Bool("quit"); quit {
		return true, nil
	} else if exit, _ := opts.Bool("exit"); exit {
		return true, nil
	}
	return false, nil
}
