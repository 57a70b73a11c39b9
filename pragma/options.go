package pragma

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// IsFlag reports whether arg looks like an option flag, that is, it starts
// with a dash and is not a negative number.
func IsFlag(arg string) bool {
	if len(arg) < 2 || arg[0] != '-' {
		return false
	}
	_, err := strconv.ParseFloat(arg, 64)
	return err != nil
}

// MatchLong resolves a long option name given on the command line to one of
// the candidates. Exact matches win, otherwise a unique prefix is accepted.
func MatchLong(given string, candidates []string) (string, error) {
	var matches []string
	for _, c := range candidates {
		if c == given {
			return c, nil
		}
		if strings.HasPrefix(c, given) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("unrecognized arguments: %s", given)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("ambiguous option: %s could match %s", given, strings.Join(matches, ", "))
}

// option describes a sub-command option.
type option struct {
	long  string // Including leading dashes: "--author".
	short string // "-a" or empty.
	// nargs is 0 for boolean flags, 1 for a single value and -1 for one or more values.
	nargs int
	// extend appends values of repeated occurrences instead of replacing them.
	extend bool
}

type parsedOptions struct {
	positional []string
	values     map[string][]string
}

func (po *parsedOptions) has(long string) bool {
	_, ok := po.values[long]
	return ok
}

// joined returns the values of an option joined with single spaces.
func (po *parsedOptions) joined(long string) (string, bool) {
	v, ok := po.values[long]
	return strings.Join(v, " "), ok
}

// parseOptions splits args into positionals and options in the manner of
// Python's argparse: options may appear anywhere, multi-value options
// consume arguments up to the next flag and "--opt=value" is accepted.
func parseOptions(args []string, opts []option) (*parsedOptions, error) {
	po := &parsedOptions{values: make(map[string][]string)}
	longs := make([]string, len(opts))
	for i := range opts {
		longs[i] = opts[i].long
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !IsFlag(arg) {
			po.positional = append(po.positional, arg)
			continue
		}
		name, inline, hasInline := strings.Cut(arg, "=")
		var opt *option
		for j := range opts {
			if opts[j].short != "" && opts[j].short == name {
				opt = &opts[j]
				break
			}
		}
		if opt == nil {
			if !strings.HasPrefix(name, "--") {
				return nil, fmt.Errorf("unrecognized arguments: %s", arg)
			}
			long, err := MatchLong(name, longs)
			if err != nil {
				return nil, err
			}
			for j := range opts {
				if opts[j].long == long {
					opt = &opts[j]
				}
			}
		}
		var values []string
		switch {
		case opt.nargs == 0:
			if hasInline {
				return nil, fmt.Errorf("argument %s: ignored explicit argument %q", opt.long, inline)
			}
		case hasInline:
			values = []string{inline}
		default:
			for i+1 < len(args) && !IsFlag(args[i+1]) {
				i++
				values = append(values, args[i])
				if opt.nargs == 1 {
					break
				}
			}
			if len(values) == 0 {
				if opt.nargs == 1 {
					return nil, fmt.Errorf("argument %s: expected one argument", opt.long)
				}
				return nil, fmt.Errorf("argument %s: expected at least one argument", opt.long)
			}
		}
		if opt.extend {
			po.values[opt.long] = append(po.values[opt.long], values...)
		} else {
			po.values[opt.long] = append([]string{}, values...)
		}
	}
	return po, nil
}

var errNoCommand = errors.New("missing sub-command (choose from define, stage, arg, input_primitive, blend_mode)")
