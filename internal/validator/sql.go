package validator

import (
	"regexp"
	"strings"
)

// sqlRules describes one member of the SQL family
type sqlRules struct {
	lex       lexOptions
	leading   []string
	keywords  []string
	functions []string
	check     func(lead, stmt string) Verdict
}

// mutatingKeywords are denied in every SQL dialect. INTO covers SELECT INTO,
// INSERT INTO and REPLACE INTO; BEGIN and DECLARE cover procedural blocks.
var mutatingKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "TRUNCATE", "CREATE", "GRANT", "REVOKE",
	"MERGE", "UPSERT", "RENAME", "INTO", "CALL", "EXEC", "EXECUTE", "DECLARE", "BEGIN",
	"COMMIT", "ROLLBACK", "SAVEPOINT", "LOCK", "UNLOCK",
}

var postgresRules = sqlRules{
	lex:     lexOptions{dollarQuotes: true, escapeStrings: true},
	leading: []string{"SELECT", "WITH", "SHOW", "EXPLAIN", "VALUES", "TABLE"},
	keywords: []string{
		"COPY", "VACUUM", "REINDEX", "CLUSTER", "LISTEN", "NOTIFY", "UNLISTEN", "PREPARE",
		"DEALLOCATE", "REFRESH", "DISCARD", "RESET", "IMPORT", "LOAD", "DO",
	},
	functions: []string{
		"pg_read_file", "pg_read_binary_file", "pg_ls_dir", "pg_stat_file", "pg_sleep",
		"pg_sleep_for", "pg_sleep_until", "pg_advisory_lock", "pg_advisory_xact_lock",
		"pg_try_advisory_lock", "pg_terminate_backend", "pg_cancel_backend", "pg_reload_conf",
		"lo_import", "lo_export", "lo_unlink", "dblink", "dblink_exec", "set_config",
		"nextval", "setval", "pg_notify", "query_to_xml", "query_to_xml_and_xmlschema",
	},
}

var mysqlRules = sqlRules{
	lex:     lexOptions{hashComments: true, backticks: true, backslashEscapes: true, versionComments: true},
	leading: []string{"SELECT", "WITH", "SHOW", "DESCRIBE", "DESC", "EXPLAIN"},
	keywords: []string{
		"LOAD", "HANDLER", "OPTIMIZE", "REPAIR", "FLUSH", "RESET", "PURGE", "INSTALL",
		"UNINSTALL", "KILL", "SHUTDOWN", "PREPARE", "DEALLOCATE", "DO", "OUTFILE", "DUMPFILE",
	},
	functions: []string{
		"load_file", "sleep", "benchmark", "get_lock", "release_lock", "release_all_locks",
		"master_pos_wait", "source_pos_wait",
	},
}

var mssqlRules = sqlRules{
	lex:     lexOptions{brackets: true},
	leading: []string{"SELECT", "WITH"},
	keywords: []string{
		"WAITFOR", "BULK", "RECONFIGURE", "SHUTDOWN", "KILL", "BACKUP", "RESTORE", "DBCC",
		"USE", "GO", "OPENROWSET", "OPENDATASOURCE", "OPENQUERY", "OPENXML",
	},
	functions: []string{"xp_cmdshell", "sp_executesql", "sp_oacreate", "sp_configure"},
}

var sqliteReadPragmas = []string{
	"TABLE_INFO", "TABLE_XINFO", "INDEX_LIST", "INDEX_INFO", "INDEX_XINFO", "FOREIGN_KEY_LIST",
	"DATABASE_LIST", "COLLATION_LIST", "FUNCTION_LIST", "TABLE_LIST", "PRAGMA_LIST",
	"COMPILE_OPTIONS",
}

var sqliteRules = sqlRules{
	lex:       lexOptions{brackets: true, backticks: true},
	leading:   []string{"SELECT", "WITH", "EXPLAIN", "VALUES", "PRAGMA"},
	keywords:  []string{"ATTACH", "DETACH", "VACUUM", "REINDEX"},
	functions: []string{"load_extension", "writefile", "readfile", "fts3_tokenizer", "edit"},
	check:     checkSQLitePragma,
}

// checkSQLitePragma only admits PRAGMA statements that read catalog information
func checkSQLitePragma(lead, stmt string) Verdict {
	if lead != "PRAGMA" {
		return safe()
	}
	if strings.Contains(stmt, "=") {
		return unsafe("PRAGMA assignments are not allowed")
	}
	rest := strings.TrimSpace(strings.TrimLeft(stmt, " \t\r\n("))
	rest = strings.TrimSpace(rest[len("PRAGMA"):])
	name := leadingKeyword(rest)
	if i := strings.IndexByte(rest, '.'); i >= 0 && i == len(leadingKeyword(rest)) {
		name = leadingKeyword(rest[i+1:])
	}
	if !oneOf(name, sqliteReadPragmas) {
		return unsafe("PRAGMA %s is not a read-only catalog pragma", strings.ToLower(name))
	}
	return safe()
}

type sqlStrategy struct {
	rules     sqlRules
	keywords  *regexp.Regexp
	functions *regexp.Regexp
}

func newSQLStrategy(rules sqlRules) *sqlStrategy {
	words := append(append([]string{}, mutatingKeywords...), rules.keywords...)
	s := &sqlStrategy{
		rules:    rules,
		keywords: keywordPattern(words...),
	}
	if len(rules.functions) > 0 {
		s.functions = regexp.MustCompile(`(?i)(?:^|[^a-z0-9_])(` + strings.Join(rules.functions, "|") + `)\s*\(`)
	}
	return s
}

// Classify implements Strategy
func (s *sqlStrategy) Classify(query string) Verdict {
	cleaned, err := strip(query, s.rules.lex)
	if err != nil {
		return unsafe("query could not be parsed: %v", err)
	}

	stmt := trimTerminator(cleaned)
	if stmt == "" {
		return unsafe("query contains no statement")
	}
	if strings.Contains(stmt, ";") {
		return unsafe("multiple statements are not allowed")
	}

	lead := leadingKeyword(stmt)
	if lead == "" {
		return unsafe("query does not start with a keyword")
	}
	if !oneOf(lead, s.rules.leading) {
		return unsafe("%s statements are not read-only (allowed: %s)", lead, strings.Join(s.rules.leading, ", "))
	}

	if kw, ok := findKeyword(s.keywords, stmt); ok {
		return unsafe("disallowed keyword %s", kw)
	}
	if s.functions != nil {
		if fn, ok := findKeyword(s.functions, stmt); ok {
			return unsafe("disallowed function %s", strings.ToLower(fn))
		}
	}
	if s.rules.check != nil {
		return s.rules.check(lead, stmt)
	}
	return safe()
}
