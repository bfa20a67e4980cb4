package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

var (
	errNoMatch  = errors.New("no match")
	errEmptySQL = errors.New("sql field is empty")
	errTrailing = errors.New("match ends on a closing quote")
)

var (
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	sqlKeyRe     = regexp.MustCompile(`"sql"\s*:\s*"([^"]*)"`)
	rawSelectRe  = regexp.MustCompile(`(?i)SELECT[^)"]*`)
)

// Strategy is one attempt at pulling candidate SQL out of a model response.
// Extract returns the trimmed, non-empty SQL or an error describing the miss.
type Strategy struct {
	Name    string
	Extract func(raw string) (string, error)
}

// Strategies is the extraction cascade, ordered from most to least structured so
// that well-formed output is never handled by a looser fallback.
var Strategies = []Strategy{
	{Name: "fenced_json", Extract: extractFencedJSON},
	{Name: "bare_json", Extract: extractBareJSON},
	{Name: "sql_key", Extract: extractSQLKey},
	{Name: "raw_select", Extract: extractRawSelect},
}

// Extraction is a candidate SQL string and the strategy that produced it.
type Extraction struct {
	SQL      string
	Strategy string
}

// Extractor runs Strategies in order and reports misses at debug level.
type Extractor struct {
	Log *slog.Logger
}

// Extract returns the first successful extraction. ok is false when no strategy matched.
func (e Extractor) Extract(raw string) (Extraction, bool) {
	for _, s := range Strategies {
		sql, err := s.Extract(raw)
		if err != nil {
			if e.Log != nil {
				e.Log.Debug("extract strategy missed", "strategy", s.Name, "reason", err.Error())
			}
			continue
		}
		return Extraction{SQL: sql, Strategy: s.Name}, true
	}
	return Extraction{}, false
}

// ExtractSQL runs the cascade without logging.
func ExtractSQL(raw string) (Extraction, bool) {
	return Extractor{}.Extract(raw)
}

func extractFencedJSON(raw string) (string, error) {
	m := fencedJSONRe.FindStringSubmatch(raw)
	if m == nil {
		return "", errNoMatch
	}
	return sqlField(m[1])
}

func extractBareJSON(raw string) (string, error) {
	return sqlField(strings.TrimSpace(raw))
}

func extractSQLKey(raw string) (string, error) {
	m := sqlKeyRe.FindStringSubmatch(raw)
	if m == nil {
		return "", errNoMatch
	}
	sql := strings.TrimSpace(m[1])
	if sql == "" {
		return "", errEmptySQL
	}
	return sql, nil
}

// extractRawSelect takes SELECT through to the next ")" or '"' or the end of text.
func extractRawSelect(raw string) (string, error) {
	m := rawSelectRe.FindString(raw)
	sql := strings.TrimSpace(m)
	if sql == "" {
		return "", errNoMatch
	}
	// A trailing quote means we are looking at the inside of truncated JSON.
	if strings.HasSuffix(sql, `"`) {
		return "", errTrailing
	}
	return sql, nil
}

// sqlField decodes a JSON object and returns its trimmed "sql" string field.
func sqlField(doc string) (string, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(doc), &obj); err != nil {
		return "", fmt.Errorf("decode json: %w", err)
	}
	v, ok := obj["sql"]
	if !ok {
		return "", errNoMatch
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("sql field is %T, not a string", v)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errEmptySQL
	}
	return s, nil
}
