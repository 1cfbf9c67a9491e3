// Package router implements the radix (prefix) tree that maps an HTTP
// method and path to a script-defined handler reference, capturing
// {name} path parameters without allocating on the match hot path.
package router

import (
	"errors"
	"fmt"
	"strings"
)

// HandlerRef is an opaque, per-worker integer naming a script-defined
// callable. Refs from one worker's interpreter are never compared against
// another worker's.
type HandlerRef int

// MaxParams is the fixed inline capacity of a ParamArray. A pattern
// capturing more than this many segments silently drops the overflow, per
// spec's "capacity 4; silent drop beyond."
const MaxParams = 4

// Param is a single captured (name, value) pair. Value borrows into the
// caller-supplied path slice and is valid only as long as that slice is.
type Param struct {
	Key   string
	Value []byte
}

// ParamArray is a fixed-capacity, stack-friendly sequence of captured
// route parameters. Its zero value is an empty array ready to use; Reset
// clears it (length only, the backing array is retained) between requests.
type ParamArray struct {
	params [MaxParams]Param
	n      int
}

// Reset sets the array's length to zero without freeing the backing
// storage, matching the "cleared, not freed, between requests" invariant.
func (p *ParamArray) Reset() { p.n = 0 }

// Len returns the number of captured parameters.
func (p *ParamArray) Len() int { return p.n }

// At returns the i'th captured parameter. i must be in [0, Len()).
func (p *ParamArray) At(i int) Param { return p.params[i] }

// Get returns the value captured for name, or (nil, false) if no
// parameter with that name was captured for the current match.
func (p *ParamArray) Get(name string) ([]byte, bool) {
	for i := 0; i < p.n; i++ {
		if p.params[i].Key == name {
			return p.params[i].Value, true
		}
	}
	return nil, false
}

// put appends a parameter, silently dropping it if the array is already at
// MaxParams capacity.
func (p *ParamArray) put(name string, value []byte) {
	if p.n >= MaxParams {
		return
	}
	p.params[p.n] = Param{Key: name, Value: value}
	p.n++
}

// node is one vertex of the radix tree. Along any root-to-leaf path the
// sequence of non-parameter (static) edges is unique; at most one
// parameter edge exists per node, and it is only tried after every static
// child has failed to match.
type node struct {
	staticChildren map[string]*node
	paramChild     *node
	paramName      string
	handlers       map[string]HandlerRef
}

func newNode() *node {
	return &node{staticChildren: make(map[string]*node)}
}

// Router is a radix tree router: add routes at startup, then match
// requests on the hot path with zero allocation (ParamArray is
// caller-owned and reused across requests).
type Router struct {
	root *node
}

// New returns an empty Router.
func New() *Router {
	return &Router{root: newNode()}
}

var (
	// ErrEmptyParamName is returned by AddRoute when a pattern contains a
	// "{}" segment.
	ErrEmptyParamName = errors.New("router: empty parameter name")

	// ErrDuplicateParamName is returned by AddRoute when the same
	// parameter name appears more than once in one pattern.
	ErrDuplicateParamName = errors.New("router: duplicate parameter name in pattern")

	// ErrConflictingParamName is returned by AddRoute when a pattern's
	// parameter segment shares a tree position with a parameter already
	// registered under a different name.
	ErrConflictingParamName = errors.New("router: conflicting parameter name at this position")
)

// splitSegments splits pattern on '/', discarding empty segments produced
// by leading, trailing, or repeated slashes.
func splitSegments(pattern string) []string {
	raw := strings.Split(pattern, "/")
	segs := make([]string, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func isParamSegment(seg string) (name string, ok bool) {
	if len(seg) >= 2 && seg[0] == '{' && seg[len(seg)-1] == '}' {
		return seg[1 : len(seg)-1], true
	}
	return "", false
}

// AddRoute registers handler under method for pattern. pattern is split on
// '/'; a segment wrapped in "{name}" is a parameter, every other segment
// is matched literally. The router duplicates (copies) every string it
// stores, so the caller's pattern string may be discarded afterwards.
//
// AddRoute rejects an empty parameter name ("{}"), a pattern in which the
// same parameter name is captured more than once, and a pattern whose
// parameter segment shares a tree position with a parameter already
// registered there under a different name (e.g. registering
// "/items/{id}" and then "/items/{itemId}") — see DESIGN.md for the
// rationale. It does not reject a parameter segment that shares a tree
// position with another route's static segment; static always wins at
// match time for that position (see Match).
func (r *Router) AddRoute(method, pattern string, handler HandlerRef) error {
	segs := splitSegments(pattern)

	seen := make(map[string]struct{}, len(segs))
	cur := r.root
	for _, seg := range segs {
		if name, ok := isParamSegment(seg); ok {
			if name == "" {
				return fmt.Errorf("%w: pattern %q", ErrEmptyParamName, pattern)
			}
			if _, dup := seen[name]; dup {
				return fmt.Errorf("%w: %q in pattern %q", ErrDuplicateParamName, name, pattern)
			}
			seen[name] = struct{}{}

			if cur.paramChild == nil {
				cur.paramChild = newNode()
				cur.paramName = name
			} else if cur.paramName != name {
				return fmt.Errorf("%w: %q conflicts with already-registered %q in pattern %q", ErrConflictingParamName, name, cur.paramName, pattern)
			}
			cur = cur.paramChild
			continue
		}

		child, ok := cur.staticChildren[seg]
		if !ok {
			child = newNode()
			// Duplicate the segment string so callers may reuse/discard
			// their pattern buffer after AddRoute returns.
			cur.staticChildren[strings.Clone(seg)] = child
		}
		cur = child
	}

	if cur.handlers == nil {
		cur.handlers = make(map[string]HandlerRef)
	}
	cur.handlers[strings.Clone(strings.ToUpper(method))] = handler
	return nil
}

// Match walks path segment by segment from the root, preferring a static
// child whose key equals the segment exactly and only descending into the
// parameter child when no static child matches. There is no backtracking:
// once a parameter edge is taken for a segment it is never retracted, even
// if matching fails deeper in the tree.
//
// On a full path match, Match returns the handler registered for method at
// the terminal node, or (0, false) if that node exists but has no handler
// for method. params is cleared of any parameters captured by a previous
// call before new ones (if any) are written.
func (r *Router) Match(method string, path []byte, params *ParamArray) (HandlerRef, bool) {
	params.Reset()

	cur := r.root
	start := 0
	if len(path) > 0 && path[0] == '/' {
		start = 1
	}

	for start <= len(path) {
		end := start
		for end < len(path) && path[end] != '/' {
			end++
		}
		seg := path[start:end]
		if len(seg) == 0 {
			break
		}

		if child, ok := cur.staticChildren[string(seg)]; ok {
			cur = child
		} else if cur.paramChild != nil {
			params.put(cur.paramName, seg)
			cur = cur.paramChild
		} else {
			return 0, false
		}

		if end >= len(path) {
			break
		}
		start = end + 1
	}

	if cur.handlers == nil {
		return 0, false
	}
	ref, ok := cur.handlers[strings.ToUpper(method)]
	return ref, ok
}
