// Package sqlguard decides whether a candidate SQL string may reach the database.
//
// Validation runs in two stages. The first is a cheap textual pre-filter: prefix,
// separator and keyword checks plus table references lifted from the FROM/JOIN
// segment by regex. The second parses the statement with the PostgreSQL parser
// (pg_query_go) and walks the tree, asserting a single plain SELECT whose every
// relation is on the allow-list and which calls no denied function. Expression
// kinds the walker does not recognise are rejected.
package sqlguard

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var (
	ErrNotSelect          = errors.New("only a single SELECT statement is allowed")
	ErrMultiStatement     = errors.New("multiple statements are not allowed")
	ErrForbiddenKeyword   = errors.New("forbidden keyword")
	ErrNoTables           = errors.New("no table reference found")
	ErrTableNotAllowed    = errors.New("table not allowed")
	ErrParse              = errors.New("sql does not parse")
	ErrStructure          = errors.New("unsupported query structure")
	ErrFunctionNotAllowed = errors.New("function not allowed")
)

// RejectError is returned by Check for every rejected query.
type RejectError struct {
	Err    error // one of the Err* sentinels
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Detail
}

func (e *RejectError) Unwrap() error { return e.Err }

func reject(err error, format string, args ...any) *RejectError {
	return &RejectError{Err: err, Detail: fmt.Sprintf(format, args...)}
}

// Policy is the allow-list a Validator enforces.
type Policy struct {
	AllowedTables     []string
	ForbiddenKeywords []string // matched as lower-case substrings, trailing space included
	DeniedFunctions   []string // a trailing '*' matches by prefix
}

// DefaultPolicy returns the policy for the videos analytics schema.
func DefaultPolicy() Policy {
	return Policy{
		AllowedTables: []string{"videos", "video_snapshots"},
		ForbiddenKeywords: []string{
			"insert ", "update ", "delete ", "drop ", "alter ",
			"create ", "grant ", "revoke ", "truncate ",
		},
		DeniedFunctions: []string{
			"pg_*", "lo_*", "dblink*",
			"set_config", "current_setting",
			"query_to_xml*", "table_to_xml*", "cursor_to_xml*",
			"schema_to_xml*", "database_to_xml*",
			"inet_server_addr", "inet_server_port",
		},
	}
}

// Validator checks candidate SQL against a Policy. It is safe for concurrent use.
type Validator struct {
	tables   map[string]struct{}
	keywords []string
	denied   map[string]struct{}
	prefixes []string
}

// New builds a Validator for the given policy.
func New(p Policy) *Validator {
	v := &Validator{
		tables:   make(map[string]struct{}, len(p.AllowedTables)),
		keywords: slices.Clone(p.ForbiddenKeywords),
		denied:   make(map[string]struct{}, len(p.DeniedFunctions)),
	}
	for _, t := range p.AllowedTables {
		v.tables[strings.ToLower(t)] = struct{}{}
	}
	for _, f := range p.DeniedFunctions {
		f = strings.ToLower(f)
		if prefix, ok := strings.CutSuffix(f, "*"); ok {
			v.prefixes = append(v.prefixes, prefix)
			continue
		}
		v.denied[f] = struct{}{}
	}
	return v
}

// Allowed reports whether sql passes Check.
func (v *Validator) Allowed(sql string) bool {
	return v.Check(sql) == nil
}

// Check returns nil when sql is acceptable, otherwise a *RejectError.
func (v *Validator) Check(sql string) error {
	if err := v.prefilter(sql); err != nil {
		return err
	}
	return v.checkTree(sql)
}

var tableRefRe = regexp.MustCompile(`(?:from|join)\s+([a-z_]+)`)

func (v *Validator) prefilter(sql string) error {
	low := strings.ToLower(strings.TrimSpace(sql))
	if !strings.HasPrefix(low, "select") {
		return reject(ErrNotSelect, "query must start with SELECT")
	}
	if strings.Contains(low, ";") {
		return reject(ErrMultiStatement, "statement separator found")
	}
	for _, kw := range v.keywords {
		if strings.Contains(low, kw) {
			return reject(ErrForbiddenKeyword, "%q", strings.TrimSpace(kw))
		}
	}

	tables := ReferencedTables(low)
	if len(tables) == 0 {
		return reject(ErrNoTables, "")
	}
	for _, t := range tables {
		if _, ok := v.tables[t]; !ok {
			return reject(ErrTableNotAllowed, "%q", t)
		}
	}
	return nil
}

// ReferencedTables returns the identifiers that follow "from" or "join" in the part
// of lower-cased sql before the first " where ", " group " or " order " (first
// marker found in that order wins).
func ReferencedTables(low string) []string {
	end := len(low)
	for _, marker := range []string{" where ", " group ", " order "} {
		if i := strings.Index(low, marker); i != -1 {
			end = i
			break
		}
	}

	var tables []string
	for _, m := range tableRefRe.FindAllStringSubmatch(low[:end], -1) {
		if !slices.Contains(tables, m[1]) {
			tables = append(tables, m[1])
		}
	}
	return tables
}

// Reason maps an error returned by Check to a short label for metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotSelect):
		return "not_select"
	case errors.Is(err, ErrMultiStatement):
		return "multi_statement"
	case errors.Is(err, ErrForbiddenKeyword):
		return "forbidden_keyword"
	case errors.Is(err, ErrNoTables):
		return "no_tables"
	case errors.Is(err, ErrTableNotAllowed):
		return "table_not_allowed"
	case errors.Is(err, ErrParse):
		return "parse_error"
	case errors.Is(err, ErrFunctionNotAllowed):
		return "function_not_allowed"
	case errors.Is(err, ErrStructure):
		return "structure"
	default:
		return "other"
	}
}
