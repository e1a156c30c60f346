// Package sqlsafe classifies and sanitizes SQL statements before they reach a target database.
//
// Checks are lexical, not a grammar: they catch the injection classes a cooperative but
// occasionally wrong model produces. Statements the checks cannot understand are rejected.
package sqlsafe

import (
	"fmt"
	"regexp"
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"

	"sqlpilot/internal/core"
)

type Operation string

const (
	OpSelect Operation = "select"
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpCreate Operation = "create"
	OpAlter  Operation = "alter"
	OpDrop   Operation = "drop"
)

// Tier is the allow-list and row cap of one policy.
type Tier struct {
	Operations []Operation
	MaxRows    int
}

var tiers = map[core.Policy]Tier{
	core.PolicyStrict:     {Operations: []Operation{OpSelect}, MaxRows: 1000},
	core.PolicyMedium:     {Operations: []Operation{OpSelect, OpInsert, OpUpdate}, MaxRows: 5000},
	core.PolicyPermissive: {Operations: []Operation{OpSelect, OpInsert, OpUpdate, OpDelete, OpCreate, OpAlter}, MaxRows: 10000},
}

// TierFor returns the tier of p. Unknown policies get the strict tier.
func TierFor(p core.Policy) Tier {
	if t, ok := tiers[p]; ok {
		return t
	}
	return tiers[core.PolicyStrict]
}

func (t Tier) allows(op Operation) bool {
	for _, o := range t.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// Verdict is the outcome of Validate. An invalid verdict never carries SQL.
type Verdict struct {
	Valid     bool
	Reason    string
	SQL       string
	Operation Operation
}

func accept(sql string, op Operation) Verdict {
	return Verdict{Valid: true, SQL: sql, Operation: op}
}

func reject(format string, args ...any) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}

// Options tune one validation. The zero value is the strict policy with no table allow-list.
type Options struct {
	Policy        core.Policy
	AllowedTables []string
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`--`),
	regexp.MustCompile(`/\*`),
	regexp.MustCompile(`;\s*\S`),
	regexp.MustCompile(`union\s+(?:all\s+|distinct\s+)?select`),
	regexp.MustCompile(`into\s+(?:outfile|dumpfile)`),
	regexp.MustCompile(`load_file`),
	regexp.MustCompile(`information_schema`),
	regexp.MustCompile(`performance_schema`),
	regexp.MustCompile(`\bpg_\w+`),
	regexp.MustCompile(`\bsys\.`),
	regexp.MustCompile(`\bmysql\.`),
	regexp.MustCompile(`\bexec\s*\(|\bexec\s+`),
	regexp.MustCompile(`\bexecute\s`),
	regexp.MustCompile(`xp_cmdshell`),
	regexp.MustCompile(`sp_executesql`),
	regexp.MustCompile(`waitfor\s+delay`),
	regexp.MustCompile(`\bsleep\s*\(`),
	regexp.MustCompile(`\bbenchmark\s*\(`),
}

var enginePatterns = map[core.Engine][]*regexp.Regexp{
	core.EnginePostgres: {
		regexp.MustCompile(`\bcopy\b[\s\S]*\bprogram\b`),
		regexp.MustCompile(`\bdblink`),
		regexp.MustCompile(`\blo_(?:import|export)\b`),
	},
	core.EngineMySQL: {
		regexp.MustCompile(`#`),
		regexp.MustCompile(`\bhandler\s+\S+\s+open\b`),
		regexp.MustCompile(`\bload\s+data\b`),
	},
}

var (
	rowLimitPattern   = regexp.MustCompile(`\blimit\s+\d+|\bfetch\s+(?:first|next)\s+\d+`)
	terminatorPattern = regexp.MustCompile(`\s*;?\s*$`)
	trailingOffset    = regexp.MustCompile(`(?i)\s+offset\s+\d+(?:\s+rows?)?$`)
	trailingLock      = regexp.MustCompile(`(?i)\s+(?:for\s+(?:update|share|no\s+key\s+update|key\s+share)(?:\s+of\s+[\w."` + "`" + `]+(?:\s*,\s*[\w."` + "`" + `]+)*)?(?:\s+nowait|\s+skip\s+locked)?|lock\s+in\s+share\s+mode)$`)
)

// Validate checks query under opts for the given engine.
func Validate(query string, engine core.Engine, opts Options) Verdict {
	lower := strings.ToLower(query)

	for _, p := range injectionPatterns {
		if p.MatchString(lower) {
			return reject("query contains potentially harmful patterns")
		}
	}
	for _, p := range enginePatterns[engine] {
		if p.MatchString(lower) {
			return reject("query contains potentially harmful patterns")
		}
	}

	toks, err := tokenize(query, engine)
	if err != nil {
		return reject("%s", err)
	}
	for _, t := range toks {
		if t.kind != tokString {
			continue
		}
		if isSQLi, fp := libinjection.IsSQLi(t.text); isSQLi {
			return reject("string literal looks like an injection payload (%s)", fp)
		}
	}

	op := classify(toks)
	if op == "" {
		return reject("cannot determine operation")
	}

	tier := TierFor(opts.Policy)
	if !tier.allows(op) {
		return reject("operation '%s' is not allowed under current security settings", op)
	}
	for _, nested := range nestedOperations(toks) {
		if !tier.allows(nested) {
			return reject("operation '%s' is not allowed under current security settings", nested)
		}
	}

	if len(opts.AllowedTables) > 0 {
		if bad := unauthorizedTables(extractTables(toks), opts.AllowedTables); len(bad) > 0 {
			return reject("query references unauthorized tables: %s", strings.Join(bad, ", "))
		}
	}

	if op == OpSelect && !HasRowLimit(query) {
		return accept(AddRowLimit(query, tier.MaxRows), op)
	}
	return accept(query, op)
}

// HasRowLimit reports whether query already carries LIMIT n or FETCH FIRST n anywhere.
// A limit inside a subquery or a string literal also counts.
func HasRowLimit(query string) bool {
	return rowLimitPattern.MatchString(strings.ToLower(query))
}

// AddRowLimit appends "LIMIT n" at the end of the statement, after any trailing GROUP BY or
// ORDER BY clause, keeping a trailing terminator. A trailing OFFSET and a trailing locking
// clause (FOR UPDATE, FOR SHARE, LOCK IN SHARE MODE) stay after the limit.
func AddRowLimit(query string, n int) string {
	loc := terminatorPattern.FindStringIndex(query)
	body, tail := query[:loc[0]], strings.TrimSpace(query[loc[0]:])

	if lock := trailingLock.FindStringIndex(body); lock != nil {
		body, tail = body[:lock[0]], body[lock[0]:]+tail
	}
	if off := trailingOffset.FindStringIndex(body); off != nil {
		body, tail = body[:off[0]], body[off[0]:]+tail
	}
	return fmt.Sprintf("%s LIMIT %d%s", body, n, tail)
}

// classify names the statement's operation from its leading keyword. A WITH statement takes
// the operation of the first top-level statement keyword after its common table expressions.
// A select with a top-level INTO creates a table on PostgreSQL and counts as create.
func classify(toks []token) Operation {
	op := statementOperation(toks)
	if op == OpSelect && selectsInto(toks) {
		return OpCreate
	}
	return op
}

func statementOperation(toks []token) Operation {
	if len(toks) == 0 || toks[0].kind != tokWord {
		return ""
	}
	if toks[0].text != "with" {
		return leadingOperation(toks[0].text)
	}

	depth := 0
	for _, t := range toks[1:] {
		switch {
		case t.isPunct("("):
			depth++
		case t.isPunct(")"):
			depth--
		case depth == 0 && t.kind == tokWord:
			switch op := leadingOperation(t.text); op {
			case OpSelect, OpInsert, OpUpdate, OpDelete:
				return op
			}
		}
	}
	return ""
}

func selectsInto(toks []token) bool {
	depth := 0
	for _, t := range toks {
		switch {
		case t.isPunct("("):
			depth++
		case t.isPunct(")"):
			depth--
		case depth == 0 && t.is("into"):
			return true
		}
	}
	return false
}

// nestedOperations lists the statement keywords that open a parenthesized body, such as a
// data-modifying common table expression.
func nestedOperations(toks []token) []Operation {
	var ops []Operation
	for i := 1; i < len(toks); i++ {
		if toks[i].kind == tokWord && toks[i-1].isPunct("(") {
			if op := leadingOperation(toks[i].text); op != "" {
				ops = append(ops, op)
			}
		}
	}
	return ops
}

func leadingOperation(word string) Operation {
	switch Operation(word) {
	case OpSelect, OpInsert, OpUpdate, OpDelete, OpCreate, OpAlter, OpDrop:
		return Operation(word)
	}
	return ""
}

func unauthorizedTables(tables, allowed []string) []string {
	allow := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allow[strings.ToLower(a)] = true
	}

	var bad []string
	for _, t := range tables {
		name := t
		if i := strings.LastIndexByte(t, '.'); i >= 0 {
			name = t[i+1:]
		}
		if !allow[t] && !allow[name] {
			bad = append(bad, t)
		}
	}
	return bad
}
