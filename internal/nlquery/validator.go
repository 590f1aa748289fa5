// Package nlquery answers natural-language questions about the conversation
// corpus by translating them to SQL, validating the SQL deterministically,
// and executing it read-only.
//
// The LLM proposes; it never disposes. Generated SQL passes through a
// validator that knows nothing about the model and rejects anything outside
// a narrow read-only subset, and execution happens inside a read-only
// transaction with a statement timeout. A rejected query returns a reason to
// the caller with nothing executed.
package nlquery

import (
	"fmt"
	"strings"
	"unicode"
)

// ValidationError explains why a generated query was rejected. It is the only
// error kind Validate returns for content problems; infrastructure never
// rejects, it fails.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "nlquery: rejected: " + e.Reason
}

func reject(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Tables and columns the generated SQL may reference. Everything else
// (system catalogs, the embedding column, other schemas) is rejected by
// omission.
var allowedIdentifiers = map[string]bool{
	"conversations": true, "messages": true,
	"id": true, "external_id": true, "agent_id": true, "status": true,
	"started_at": true, "ended_at": true, "duration_seconds": true,
	"summary": true, "cost_units": true, "embedding_model": true,
	"created_at": true, "updated_at": true,
	"conversation_id": true, "role": true, "content": true,
	"ts": true, "sequence_index": true,
}

// SQL keywords and functions the read-only subset permits.
var allowedKeywords = map[string]bool{
	"select": true, "from": true, "where": true, "and": true, "or": true,
	"not": true, "as": true, "group": true, "by": true, "order": true,
	"limit": true, "offset": true, "having": true, "distinct": true,
	"on": true, "join": true, "left": true, "right": true, "inner": true,
	"outer": true, "full": true, "cross": true, "asc": true, "desc": true,
	"between": true, "in": true, "is": true, "null": true, "like": true,
	"ilike": true, "case": true, "when": true, "then": true, "else": true,
	"end": true, "cast": true, "with": true, "union": true, "all": true,
	"exists": true, "any": true, "true": true, "false": true,
	"nulls": true, "first": true, "last": true, "filter": true, "over": true,
	"partition": true, "interval": true, "using": true,
	// functions and types
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
	"coalesce": true, "nullif": true, "round": true, "abs": true,
	"lower": true, "upper": true, "length": true, "substring": true,
	"date_trunc": true, "extract": true, "epoch": true, "now": true,
	"current_date": true, "current_timestamp": true, "to_char": true,
	"date": true, "day": true, "week": true, "month": true, "year": true,
	"hour": true, "minute": true, "dow": true, "row_number": true,
	"rank": true, "dense_rank": true, "percentile_cont": true, "within": true,
	"integer": true, "bigint": true, "numeric": true, "text": true,
	"timestamptz": true, "float": true, "boolean": true,
}

// Keywords that end validation immediately regardless of context.
var forbiddenKeywords = map[string]bool{
	"insert": true, "update": true, "delete": true, "drop": true,
	"alter": true, "create": true, "truncate": true, "grant": true,
	"revoke": true, "copy": true, "vacuum": true, "reindex": true,
	"execute": true, "call": true, "do": true, "set": true, "reset": true,
	"listen": true, "notify": true, "prepare": true, "deallocate": true,
	"into": true, "returning": true, "lock": true, "cluster": true,
	"comment": true, "security": true, "pg_sleep": true, "pg_read_file": true,
	"lo_import": true, "lo_export": true, "dblink": true,
}

// maxAliasLen: short unknown tokens are accepted as table/column aliases so
// queries like "SELECT c.status FROM conversations c" pass.
const maxAliasLen = 3

// Validate checks one generated statement against the read-only subset and
// returns it wrapped in a row-limiting subquery. The wrapped text is exactly
// what the executor runs; on rejection the returned SQL is empty.
func Validate(sql string, maxRows int) (string, error) {
	s := strings.TrimSpace(sql)
	s = strings.TrimSuffix(s, ";")

	if s == "" {
		return "", reject("empty statement")
	}
	if strings.Contains(s, ";") {
		return "", reject("multiple statements are not allowed")
	}
	if strings.Contains(s, "--") || strings.Contains(s, "/*") || strings.Contains(s, "*/") {
		return "", reject("comments are not allowed")
	}
	if strings.ContainsRune(s, '"') {
		return "", reject("quoted identifiers are not allowed")
	}
	if strings.ContainsRune(s, '$') {
		return "", reject("parameter placeholders are not allowed")
	}

	tokens, err := tokenize(s)
	if err != nil {
		return "", err
	}
	if len(tokens) == 0 {
		return "", reject("empty statement")
	}
	if first := tokens[0]; first != "select" && first != "with" {
		return "", reject("only SELECT statements are allowed, got %q", strings.ToUpper(first))
	}

	aliases := declaredAliases(tokens)
	for _, tok := range tokens {
		switch {
		case forbiddenKeywords[tok]:
			return "", reject("keyword %q is not allowed", strings.ToUpper(tok))
		case allowedKeywords[tok] || allowedIdentifiers[tok] || aliases[tok]:
		case len(tok) <= maxAliasLen:
			// bare table alias
		default:
			return "", reject("unknown identifier %q", tok)
		}
	}

	wrapped := fmt.Sprintf("SELECT * FROM (%s) q LIMIT %d", s, maxRows)
	return wrapped, nil
}

// declaredAliases collects names bound by AS, covering both column aliases
// ("count(*) AS total") and CTE names ("WITH busy AS (...)"). References to
// these names elsewhere in the statement are then legal.
func declaredAliases(tokens []string) map[string]bool {
	aliases := make(map[string]bool)
	for i, tok := range tokens {
		if tok != "as" {
			continue
		}
		if i+1 < len(tokens) && !allowedKeywords[tokens[i+1]] && !forbiddenKeywords[tokens[i+1]] {
			aliases[tokens[i+1]] = true
		}
		if i > 0 && !allowedKeywords[tokens[i-1]] && !forbiddenKeywords[tokens[i-1]] {
			aliases[tokens[i-1]] = true
		}
	}
	return aliases
}

// tokenize splits the statement into lowercased word tokens, skipping string
// literal contents, including doubled-quote escapes, and splitting qualified
// names on dots.
func tokenize(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inString := false

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	runes := []rune(strings.ToLower(s))
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if inString {
			if r == '\'' {
				if i+1 < len(runes) && runes[i+1] == '\'' {
					i++ // escaped quote inside the literal
					continue
				}
				inString = false
			}
			continue
		}

		switch {
		case r == '\'':
			flush()
			inString = true
		case unicode.IsLetter(r) || r == '_':
			cur.WriteRune(r)
		case unicode.IsDigit(r):
			if cur.Len() > 0 {
				cur.WriteRune(r)
			}
			// bare numbers are fine, not tokens
		default:
			flush()
		}
	}
	if inString {
		return nil, reject("unterminated string literal")
	}
	flush()
	return tokens, nil
}
