package main

import (
	"flag"
	"strings"
)

// parseFlagsLoose parses flags even when positional args appear before flags.
// Both of these work:
//
//	agentpilot send hello there --as 3
//	agentpilot send --as 3 hello there
func parseFlagsLoose(fs *flag.FlagSet, args []string) ([]string, error) {
	normalized := make([]string, 0, len(args))
	rest := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			rest = append(rest, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			rest = append(rest, arg)
			continue
		}

		normalized = append(normalized, arg)
		if strings.Contains(arg, "=") {
			continue
		}
		f := fs.Lookup(strings.TrimLeft(arg, "-"))
		if f == nil {
			// the standard parser reports it
			continue
		}
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			continue
		}
		if i+1 < len(args) {
			normalized = append(normalized, args[i+1])
			i++
		}
	}

	if err := fs.Parse(normalized); err != nil {
		return nil, err
	}
	return append(rest, fs.Args()...), nil
}
