package main

import (
	"strconv"
	"strings"

	"github.com/google/shlex"

	"iocontrol-go/errcode"
	"iocontrol-go/types"
)

var requestVerbs = map[string]bool{
	"query": true, "on": true, "off": true, "toggle": true,
	"latch": true, "momentary": true, "delay": true,
	"set": true, "adjust": true,
}

// line is one parsed console input.
type line struct {
	verb string
	args []string
	req  types.Record // set for request verbs
}

// parseLine splits input shell-style. Request verbs take targets
// ("dev" or "dev:node") and key=value options; set and adjust also take
// a trailing value.
func parseLine(in string) (line, error) {
	words, err := shlex.Split(in)
	if err != nil {
		return line{}, errcode.Wrap(errcode.BadParam, "console", err)
	}
	if len(words) == 0 {
		return line{}, nil
	}
	l := line{verb: strings.ToLower(words[0]), args: words[1:]}
	if !requestVerbs[l.verb] {
		return l, nil
	}

	rec := types.Record{"command": l.verb}
	var targets []string
	args := l.args
	if l.verb == "set" || l.verb == "adjust" {
		if len(args) < 2 {
			return l, errcode.New(errcode.BadParam, l.verb, "want targets and a value")
		}
		v, err := strconv.Atoi(args[len(args)-1])
		if err != nil {
			return l, errcode.New(errcode.BadParam, l.verb, "value is not a number")
		}
		rec["value"] = v
		args = args[:len(args)-1]
	}
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			targets = append(targets, a)
			continue
		}
		switch k {
		case "id":
			rec["id"] = v
		case "value", "delay_ms", "count", "node":
			n, err := strconv.Atoi(v)
			if err != nil {
				return l, errcode.New(errcode.BadParam, l.verb, k+" is not a number")
			}
			rec[k] = n
		default:
			return l, errcode.New(errcode.BadParam, l.verb, "unknown option "+k)
		}
	}

	switch {
	case len(targets) == 0:
		return l, errcode.NoDeviceID
	case anyNode(targets):
		list := make([]any, len(targets))
		for i, t := range targets {
			if !strings.Contains(t, ":") {
				t += ":0"
			}
			list[i] = t
		}
		rec["devnodes"] = list
	case len(targets) == 1:
		rec["device"] = targets[0]
	default:
		list := make([]any, len(targets))
		for i, t := range targets {
			list[i] = t
		}
		rec["devices"] = list
	}
	l.req = rec
	return l, nil
}

func anyNode(ts []string) bool {
	for _, t := range ts {
		if strings.Contains(t, ":") {
			return true
		}
	}
	return false
}

const helpText = `commands:
  query|on|off|toggle|latch|momentary|delay <dev>[:node]... [id=..] [delay_ms=..] [node=..] [count=..]
  set|adjust <dev>[:node]... <value>
  read <dev> <address> <quantity>     read holding registers through a modbus_rtu device
  coils <dev> <address> <quantity>    read coils through a modbus_rtu device
  state                               show every device
  ports                               list host serial ports
  reload                              re-read the config source
  help | quit`
