package sqlsafe

import "sqlpilot/internal/core"

// functions whose argument list may contain FROM without naming a table
var fromTakingFunctions = map[string]bool{
	"extract":   true,
	"substring": true,
	"trim":      true,
	"overlay":   true,
	"position":  true,
}

// keywords that can follow FROM, JOIN or UPDATE without being a table name
var notTableNames = map[string]bool{
	"select": true, "set": true, "where": true, "lateral": true, "only": true,
	"of": true, "nowait": true, "skip": true, "as": true, "on": true, "using": true,
	"group": true, "order": true, "limit": true, "having": true, "union": true,
	"inner": true, "left": true, "right": true, "full": true, "cross": true, "natural": true,
	"join": true, "outer": true, "window": true, "offset": true, "for": true, "returning": true,
	"straight_join": true, "ignore": true, "low_priority": true, "quick": true, "into": true,
}

// ExtractTables lists the tables a statement names after FROM (including comma lists),
// JOIN, UPDATE, INTO and DELETE FROM, lower-cased and without duplicates. Qualified names
// keep their schema prefix. Literals are skipped using engine's quoting rules; a statement
// whose literals cannot be delimited returns an error.
func ExtractTables(query string, engine core.Engine) ([]string, error) {
	toks, err := tokenize(query, engine)
	if err != nil {
		return nil, err
	}
	return extractTables(toks), nil
}

func extractTables(toks []token) []string {
	seen := map[string]bool{}
	var tables []string
	add := func(name string) {
		if name == "" || notTableNames[name] || seen[name] {
			return
		}
		seen[name] = true
		tables = append(tables, name)
	}

	var parens []bool // true when the paren opened a FROM-taking function call
	inFunction := func() bool {
		return len(parens) > 0 && parens[len(parens)-1]
	}

	for i, t := range toks {
		switch {
		case t.isPunct("("):
			isFn := i > 0 && toks[i-1].kind == tokWord && fromTakingFunctions[toks[i-1].text]
			parens = append(parens, isFn)
		case t.isPunct(")"):
			if len(parens) > 0 {
				parens = parens[:len(parens)-1]
			}
		case t.is("from") && !inFunction():
			for j := i + 1; j < len(toks) && toks[j].kind == tokWord; {
				add(toks[j].text)
				j = skipAlias(toks, j+1)
				if j+1 < len(toks) && toks[j].isPunct(",") && toks[j+1].kind == tokWord {
					j++
					continue
				}
				break
			}
		case t.is("update") && i > 0 && (toks[i-1].is("key") || toks[i-1].is("for") || toks[i-1].is("do")):
			// ON DUPLICATE KEY UPDATE, FOR UPDATE, DO UPDATE
		case t.is("join"), t.is("update"):
			if next := wordAt(toks, i+1); next != "" {
				add(next)
			}
		case t.is("into"):
			if next := wordAt(toks, i+1); next != "" {
				add(next)
			}
		}
	}
	return tables
}

// skipAlias steps over "[AS] alias" following a table name and returns the next index.
func skipAlias(toks []token, j int) int {
	if j < len(toks) && toks[j].is("as") {
		j++
	}
	if j < len(toks) && toks[j].kind == tokWord && !notTableNames[toks[j].text] && !clauseKeywords[toks[j].text] {
		j++
	}
	return j
}

var clauseKeywords = map[string]bool{
	"where": true, "group": true, "order": true, "limit": true, "having": true,
	"join": true, "inner": true, "left": true, "right": true, "full": true, "cross": true,
	"natural": true, "union": true, "window": true, "offset": true, "fetch": true, "for": true,
}

func wordAt(toks []token, i int) string {
	if i < len(toks) && toks[i].kind == tokWord {
		return toks[i].text
	}
	return ""
}
