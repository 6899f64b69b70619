// Package security holds the heuristic checks applied to generated queries and
// incoming prompts, and the per-application rate limiter.
package security

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultMaxDepth is the brace nesting allowed when no limit is configured
const DefaultMaxDepth = 4

// Check names reported in QueryVerdict.Check
const (
	CheckMutation  = "mutation"
	CheckShape     = "shape"
	CheckAllowList = "allowlist"
	CheckDepth     = "depth"
	CheckInjection = "injection"
)

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i);\s*DROP\s`),
	regexp.MustCompile(`(?i);\s*DELETE\s`),
	regexp.MustCompile(`(?i);\s*UPDATE\s`),
	regexp.MustCompile(`(?i);\s*INSERT\s`),
	regexp.MustCompile(`--\s`),
	regexp.MustCompile(`/\*`),
}

// QueryVerdict is the outcome of ValidateQuery
type QueryVerdict struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Check  string `json:"check,omitempty"`
}

func reject(check, reason string) QueryVerdict {
	return QueryVerdict{Valid: false, Reason: reason, Check: check}
}

// IsMutation reports whether query starts with the mutation keyword or
// contains a mutation operation anywhere in the document
func IsMutation(query string) bool {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(query)), "mutation") {
		return true
	}
	return Scope{}.walk(query, nil).has("mutation")
}

// ValidateQuery checks query without relationship information. See
// Scope.Validate.
func ValidateQuery(query string, role string, allowedTables []string, maxDepth int) QueryVerdict {
	return Scope{}.Validate(query, role, allowedTables, maxDepth)
}

// Scope carries what the allow-list walk knows about the schema.
type Scope struct {
	// Links maps "table.field" to the type a relationship field returns
	Links map[string]string
}

// Validate runs the static checks on a generated query, in order: read-role
// mutation, leading keyword and operation type, table allow-list, brace depth
// and injection patterns. The allow-list check does not stop the later
// checks; its failure is reported only when depth and injection pass.
func (s Scope) Validate(query string, role string, allowedTables []string, maxDepth int) QueryVerdict {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	stripped := strings.TrimSpace(query)
	allowed := allowedSet(allowedTables)
	doc := s.walk(stripped, allowed)

	if role == "read" && (strings.HasPrefix(strings.ToLower(stripped), "mutation") || doc.has("mutation")) {
		return reject(CheckMutation, "mutations not allowed for read-only apps")
	}

	if !strings.HasPrefix(strings.ToLower(stripped), "query") && !strings.HasPrefix(stripped, "{") {
		return reject(CheckShape, "query must start with 'query' or '{'")
	}
	if doc.has("subscription") {
		return reject(CheckShape, "subscriptions are not supported")
	}

	var allowListFailure *QueryVerdict
	if allowed != nil {
		if outside := doc.outside(); len(outside) > 0 {
			v := reject(CheckAllowList, "query references tables outside the allow-list: "+strings.Join(outside, ", "))
			allowListFailure = &v
		}
	}

	if depth := QueryDepth(stripped); depth > maxDepth {
		return reject(CheckDepth, fmt.Sprintf("query too complex: depth %d exceeds limit %d", depth, maxDepth))
	}

	for _, p := range injectionPatterns {
		if p.MatchString(stripped) {
			return reject(CheckInjection, "potential injection pattern detected")
		}
	}

	if allowListFailure != nil {
		return *allowListFailure
	}
	return QueryVerdict{Valid: true}
}

// QueryDepth is the deepest brace nesting anywhere in text
func QueryDepth(text string) int {
	depth, max := 0, 0
	for _, ch := range text {
		switch ch {
		case '{':
			depth++
			if depth > max {
				max = depth
			}
		case '}':
			depth--
		}
	}
	return max
}

// TablesOutside checks query without relationship information. See
// Scope.TablesOutside.
func TablesOutside(query string, allowed []string) []string {
	return Scope{}.TablesOutside(query, allowed)
}

// TablesOutside returns the tables query reaches that are not covered by
// allowed, at the root and through nested relationship selections. An
// allowed table t covers t, t_aggregate and t_by_pk; a schema-qualified entry
// s.t also covers the s_t field names. A nested field that opens a selection
// set resolves through Links, or by its own name when Links has no entry, and
// is reported when the resolved type is not allowed. Fragment definitions are
// checked against their type condition. A fragment spread at the root cannot
// be resolved and is reported as "...".
func (s Scope) TablesOutside(query string, allowed []string) []string {
	set := allowedSet(allowed)
	if set == nil {
		return nil
	}
	return s.walk(query, set).outside()
}

// RootFields lists the root-level field names selected by the executable
// operations in query, with aliases resolved. Fragment definitions are
// skipped. spread reports a fragment spread or inline fragment at the root.
func RootFields(query string) (fields []string, spread bool) {
	doc := Scope{}.walk(query, nil)
	return doc.fields, doc.spread
}

func allowedSet(allowed []string) map[string]bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed)*2)
	for _, t := range allowed {
		set[t] = true
		set[strings.ReplaceAll(t, ".", "_")] = true
	}
	return set
}

type selKind int

const (
	selOpaque selKind = iota
	selRoot
	selRootFragment
	selTable
	selAggregate
)

// selection is what a selection set selects from
type selection struct {
	kind  selKind
	table string
}

var opaque = selection{kind: selOpaque}

var rootTypes = map[string]bool{"query_root": true, "mutation_root": true, "subscription_root": true}

type document struct {
	fields     []string
	spread     bool
	ops        []string
	outsideSet map[string]bool
}

func (d *document) has(op string) bool {
	for _, o := range d.ops {
		if o == op {
			return true
		}
	}
	return false
}

func (d *document) flag(name string) {
	if name != "" {
		d.outsideSet[name] = true
	}
}

func (d *document) outside() []string {
	out := make([]string, 0, len(d.outsideSet)+1)
	for name := range d.outsideSet {
		out = append(out, name)
	}
	sort.Strings(out)
	if d.spread {
		out = append(out, "...")
	}
	return out
}

// resolver maps fields to what they select. With no allow-list everything
// resolves to opaque and nothing is reported.
type resolver struct {
	links   map[string]string
	allowed map[string]bool
}

func (r resolver) typed(name string) (selection, string) {
	if r.allowed == nil {
		return opaque, ""
	}
	if base, ok := strings.CutSuffix(name, "_aggregate"); ok && r.allowed[base] {
		return selection{selAggregate, base}, ""
	}
	if r.allowed[name] {
		return selection{selTable, name}, ""
	}
	return opaque, name
}

func (r resolver) field(parent selection, name string) (selection, string) {
	if r.allowed == nil || name == "__typename" {
		return opaque, ""
	}
	switch parent.kind {
	case selRoot, selRootFragment:
		if base, ok := strings.CutSuffix(name, "_aggregate"); ok && r.allowed[base] {
			return selection{selAggregate, base}, ""
		}
		if t := strings.TrimSuffix(name, "_by_pk"); r.allowed[t] {
			return selection{selTable, t}, ""
		}
		return opaque, name
	case selTable:
		target, ok := r.links[parent.table+"."+name]
		if !ok {
			target = name
		}
		return r.typed(target)
	case selAggregate:
		if name == "nodes" {
			return selection{selTable, parent.table}, ""
		}
	}
	return opaque, ""
}

func (r resolver) inline(parent selection, typ string) (selection, string) {
	switch parent.kind {
	case selRoot, selRootFragment:
		if typ == "" || rootTypes[typ] {
			return selection{kind: selRootFragment}, ""
		}
		return r.typed(typ)
	case selTable:
		if typ == "" || typ == parent.table {
			return parent, ""
		}
		return r.typed(typ)
	}
	return opaque, ""
}

func (r resolver) fragment(typ string) (selection, string) {
	if rootTypes[typ] {
		return selection{kind: selRootFragment}, ""
	}
	return r.typed(typ)
}

// header states between operations
const (
	expectOperation = iota
	inHeader
	fragmentName
	fragmentOn
	fragmentType
	fragmentHeader
)

// walk follows the selection sets of every operation and fragment in query.
// A nested field is reported only when it opens a selection set.
func (s Scope) walk(query string, allowed map[string]bool) *document {
	r := resolver{links: s.Links, allowed: allowed}
	doc := &document{outsideSet: map[string]bool{}}
	toks := tokenize(query)

	var stack []selection
	next, pending := opaque, ""
	state, fragType := expectOperation, ""
	parens := 0

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.kind == tokPunct && t.text == "(":
			parens++
			continue
		case t.kind == tokPunct && t.text == ")":
			if parens > 0 {
				parens--
			}
			continue
		case parens > 0:
			// argument values may contain braces
			continue
		case t.kind == tokPunct && t.text == "@":
			if i+1 < len(toks) && toks[i+1].kind == tokName {
				i++
			}
			continue
		}

		if len(stack) == 0 {
			switch {
			case t.kind == tokPunct && t.text == "{":
				if state == expectOperation {
					doc.ops = append(doc.ops, "query")
				}
				if state == fragmentHeader {
					sel, outside := r.fragment(fragType)
					doc.flag(outside)
					stack = append(stack, sel)
				} else {
					stack = append(stack, selection{kind: selRoot})
				}
				state = inHeader
			case t.kind == tokName:
				switch state {
				case expectOperation:
					switch kw := strings.ToLower(t.text); kw {
					case "query", "mutation", "subscription":
						doc.ops = append(doc.ops, kw)
						state = inHeader
					case "fragment":
						state = fragmentName
					default:
						state = inHeader
					}
				case fragmentName:
					state = fragmentOn
				case fragmentOn:
					if t.text == "on" {
						state = fragmentType
					}
				case fragmentType:
					fragType = t.text
					state = fragmentHeader
				}
			}
			continue
		}

		top := stack[len(stack)-1]
		switch t.kind {
		case tokPunct:
			switch t.text {
			case "{":
				doc.flag(pending)
				stack = append(stack, next)
				next, pending = opaque, ""
			case "}":
				stack = stack[:len(stack)-1]
				next, pending = opaque, ""
				if len(stack) == 0 {
					state = expectOperation
				}
			}
		case tokSpread:
			if top.kind == selRoot {
				doc.spread = true
			}
			switch {
			case i+2 < len(toks) && toks[i+1].kind == tokName && toks[i+1].text == "on" && toks[i+2].kind == tokName:
				next, pending = r.inline(top, toks[i+2].text)
				i += 2
			case i+1 < len(toks) && toks[i+1].kind == tokName:
				// named spread; its definition is walked on its own
				next, pending = opaque, ""
				i++
			default:
				next, pending = r.inline(top, "")
			}
		case tokName:
			name := t.text
			if i+2 < len(toks) && toks[i+1].kind == tokPunct && toks[i+1].text == ":" && toks[i+2].kind == tokName {
				name = toks[i+2].text
				i += 2
			}
			if top.kind == selRoot {
				doc.fields = append(doc.fields, name)
			}
			next, pending = r.field(top, name)
			if top.kind == selRoot || top.kind == selRootFragment {
				// root fields select tables whether or not they open a set
				doc.flag(pending)
				pending = ""
			}
		}
	}
	return doc
}

type tokKind int

const (
	tokName tokKind = iota
	tokPunct
	tokSpread
	tokValue
)

type token struct {
	kind tokKind
	text string
}

// tokenize splits a GraphQL document into names, punctuators and opaque
// values. Strings and comments never produce punctuators.
func tokenize(src string) []token {
	var toks []token
	r := []rune(src)
	for i := 0; i < len(r); {
		c := r[i]
		switch {
		case c == '#':
			for i < len(r) && r[i] != '\n' {
				i++
			}
		case c == '"':
			start := i
			if i+2 < len(r) && r[i+1] == '"' && r[i+2] == '"' {
				i += 3
				for i < len(r) && !(i+2 < len(r) && r[i] == '"' && r[i+1] == '"' && r[i+2] == '"') {
					i++
				}
				i += 3
			} else {
				i++
				for i < len(r) && r[i] != '"' && r[i] != '\n' {
					if r[i] == '\\' {
						i++
					}
					i++
				}
				i++
			}
			if i > len(r) {
				i = len(r)
			}
			toks = append(toks, token{tokValue, string(r[start:i])})
		case c == '.' && i+2 < len(r) && r[i+1] == '.' && r[i+2] == '.':
			toks = append(toks, token{tokSpread, "..."})
			i += 3
		case isNameStart(c):
			start := i
			for i < len(r) && isNameChar(r[i]) {
				i++
			}
			toks = append(toks, token{tokName, string(r[start:i])})
		case c == '-' || (c >= '0' && c <= '9'):
			start := i
			i++
			for i < len(r) && (isNameChar(r[i]) || r[i] == '.' || r[i] == '+' || r[i] == '-') {
				i++
			}
			toks = append(toks, token{tokValue, string(r[start:i])})
		case strings.ContainsRune("{}()[]:=@$!|&", c):
			toks = append(toks, token{tokPunct, string(c)})
			i++
		default:
			// whitespace, commas and anything unrecognised
			i++
		}
	}
	return toks
}

func isNameStart(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c rune) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}
