package pool

import (
	"strconv"
	"strings"
)

// DefaultHeapFlag is the worker flag carrying the heap ceiling in MiB.
const DefaultHeapFlag = "--max-heap-mb"

// matchFlag reports whether arg names flag, in either "-name" or
// "--name" spelling. inline is the value after '=' when present.
func matchFlag(arg, flag string) (inline string, hasInline, ok bool) {
	name := strings.TrimLeft(flag, "-")
	if name == "" || !strings.HasPrefix(arg, "-") {
		return "", false, false
	}
	a := strings.TrimPrefix(strings.TrimPrefix(arg, "-"), "-")
	if a == name {
		return "", false, true
	}
	if v, found := strings.CutPrefix(a, name+"="); found {
		return v, true, true
	}
	return "", false, false
}

// MaxHeap returns the heap ceiling configured in argv via flag, accepting
// both "--flag=N" and "--flag N". With several occurrences the last one
// wins, as it would for the worker's own flag parsing.
func MaxHeap(argv []string, flag string) (int, bool) {
	var (
		val   int
		found bool
	)
	for i := 0; i < len(argv); i++ {
		inline, hasInline, ok := matchFlag(argv[i], flag)
		if !ok {
			continue
		}
		raw := inline
		if !hasInline {
			if !hasValue(argv, i) {
				continue
			}
			i++
			raw = argv[i]
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		val, found = n, true
	}
	return val, found
}

// hasValue reports whether argv[i+1] is the value of a two-token flag
// at i. A following flag is left alone; a negative number is a value.
func hasValue(argv []string, i int) bool {
	if i+1 >= len(argv) {
		return false
	}
	next := argv[i+1]
	if !strings.HasPrefix(next, "-") {
		return true
	}
	_, err := strconv.Atoi(next)
	return err == nil
}

// WithoutMaxHeap returns a copy of argv with every occurrence of flag,
// and the value token of the two-token form, removed.
func WithoutMaxHeap(argv []string, flag string) []string {
	out := make([]string, 0, len(argv))
	for i := 0; i < len(argv); i++ {
		_, hasInline, ok := matchFlag(argv[i], flag)
		if !ok {
			out = append(out, argv[i])
			continue
		}
		if !hasInline && hasValue(argv, i) {
			i++
		}
	}
	return out
}

// WithMaxHeap returns a copy of argv whose only heap ceiling is mb.
func WithMaxHeap(argv []string, flag string, mb int) []string {
	out := WithoutMaxHeap(argv, flag)
	return append(out, "--"+strings.TrimLeft(flag, "-")+"="+strconv.Itoa(mb))
}
