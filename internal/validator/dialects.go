package validator

import (
	"strings"

	"github.com/tordrt/llmquery/internal/docquery"
)

var (
	mdxLex = lexOptions{brackets: true, slashComments: true}

	// MDX has no data mutation surface; these are its DDL and session statements
	mdxKeywords = keywordPattern(
		"CREATE", "DROP", "ALTER", "UPDATE", "INSERT", "DELETE", "REFRESH", "CALL", "CLEAR",
		"ROLLBACK", "COMMIT", "BEGIN", "IMPORT", "EXPORT",
	)
	mdxFrom = keywordPattern("FROM")

	influxLex      = lexOptions{}
	influxKeywords = keywordPattern(
		"INTO", "DROP", "DELETE", "CREATE", "ALTER", "GRANT", "REVOKE", "KILL", "SET", "INSERT",
	)

	esLex      = lexOptions{}
	esKeywords = keywordPattern(mutatingKeywords...)
)

// classifyMDX accepts a single SELECT statement, optionally preceded by a WITH
// clause of calculated members or sets.
func classifyMDX(query string) Verdict {
	cleaned, err := strip(query, mdxLex)
	if err != nil {
		return unsafe("query could not be parsed: %v", err)
	}
	stmt := trimTerminator(cleaned)
	if strings.Contains(stmt, ";") {
		return unsafe("multiple statements are not allowed")
	}

	lead := leadingKeyword(stmt)
	switch lead {
	case "SELECT":
	case "WITH":
		if !keywordPattern("SELECT").MatchString(stmt) {
			return unsafe("WITH clause is not followed by SELECT")
		}
	default:
		return unsafe("%s statements are not read-only (allowed: SELECT, WITH)", nonEmpty(lead))
	}

	if kw, ok := findKeyword(mdxKeywords, stmt); ok {
		return unsafe("disallowed keyword %s", kw)
	}
	if !mdxFrom.MatchString(stmt) {
		return unsafe("query could not be parsed: SELECT without FROM")
	}
	return safe()
}

// classifyInfluxQL accepts SELECT and SHOW. SELECT ... INTO writes points and is rejected.
func classifyInfluxQL(query string) Verdict {
	cleaned, err := strip(query, influxLex)
	if err != nil {
		return unsafe("query could not be parsed: %v", err)
	}
	stmt := trimTerminator(cleaned)
	if strings.Contains(stmt, ";") {
		return unsafe("multiple statements are not allowed")
	}

	lead := leadingKeyword(stmt)
	if !oneOf(lead, []string{"SELECT", "SHOW", "EXPLAIN"}) {
		return unsafe("%s statements are not read-only (allowed: SELECT, SHOW, EXPLAIN)", nonEmpty(lead))
	}
	if kw, ok := findKeyword(influxKeywords, stmt); ok {
		return unsafe("disallowed keyword %s", kw)
	}
	return safe()
}

// classifyESSQL accepts the read statements of Elasticsearch SQL
func classifyESSQL(query string) Verdict {
	cleaned, err := strip(query, esLex)
	if err != nil {
		return unsafe("query could not be parsed: %v", err)
	}
	stmt := trimTerminator(cleaned)
	if strings.Contains(stmt, ";") {
		return unsafe("multiple statements are not allowed")
	}

	lead := leadingKeyword(stmt)
	if !oneOf(lead, []string{"SELECT", "SHOW", "DESCRIBE", "DESC"}) {
		return unsafe("%s statements are not read-only (allowed: SELECT, SHOW, DESCRIBE)", nonEmpty(lead))
	}
	if kw, ok := findKeyword(esKeywords, stmt); ok {
		return unsafe("disallowed keyword %s", kw)
	}
	return safe()
}

// mongoOperators are the query, projection, expression and read-only
// aggregation stage operators. Any other $-prefixed key is rejected, which
// covers $out, $merge, $function, $accumulator and $where.
var mongoOperators = toSet(
	// query and projection
	"$eq", "$ne", "$gt", "$gte", "$lt", "$lte", "$in", "$nin", "$and", "$or", "$nor", "$not",
	"$exists", "$type", "$expr", "$jsonSchema", "$mod", "$regex", "$options", "$text", "$search",
	"$language", "$caseSensitive", "$diacriticSensitive", "$all", "$elemMatch", "$size",
	"$bitsAllClear", "$bitsAllSet", "$bitsAnyClear", "$bitsAnySet", "$geoWithin", "$geoIntersects",
	"$near", "$nearSphere", "$geometry", "$maxDistance", "$minDistance", "$box", "$center",
	"$centerSphere", "$polygon", "$comment", "$meta", "$slice", "$natural",

	// aggregation stages
	"$addFields", "$bucket", "$bucketAuto", "$count", "$densify", "$documents", "$facet", "$fill",
	"$geoNear", "$graphLookup", "$group", "$limit", "$lookup", "$match", "$project", "$redact",
	"$replaceRoot", "$replaceWith", "$sample", "$set", "$setWindowFields", "$skip", "$sort",
	"$sortByCount", "$unionWith", "$unset", "$unwind",

	// arithmetic
	"$abs", "$add", "$ceil", "$divide", "$exp", "$floor", "$ln", "$log", "$log10", "$multiply",
	"$pow", "$round", "$sqrt", "$subtract", "$trunc", "$sin", "$cos", "$tan", "$asin", "$acos",
	"$atan", "$atan2", "$degreesToRadians", "$radiansToDegrees",

	// arrays, sets and objects
	"$arrayElemAt", "$arrayToObject", "$concatArrays", "$filter", "$first", "$firstN",
	"$indexOfArray", "$isArray", "$last", "$lastN", "$map", "$maxN", "$minN", "$objectToArray",
	"$range", "$reduce", "$reverseArray", "$sortArray", "$zip", "$allElementsTrue",
	"$anyElementTrue", "$setDifference", "$setEquals", "$setIntersection", "$setIsSubset",
	"$setUnion", "$mergeObjects", "$getField", "$setField", "$unsetField", "$let", "$literal",

	// comparison and conditionals
	"$cmp", "$cond", "$ifNull", "$switch",

	// dates
	"$dateAdd", "$dateDiff", "$dateFromParts", "$dateFromString", "$dateSubtract", "$dateToParts",
	"$dateToString", "$dateTrunc", "$dayOfMonth", "$dayOfWeek", "$dayOfYear", "$hour",
	"$isoDayOfWeek", "$isoWeek", "$isoWeekYear", "$millisecond", "$minute", "$month", "$second",
	"$week", "$year",

	// strings
	"$concat", "$indexOfBytes", "$indexOfCP", "$ltrim", "$regexFind", "$regexFindAll",
	"$regexMatch", "$replaceOne", "$replaceAll", "$rtrim", "$split", "$strLenBytes", "$strLenCP",
	"$strcasecmp", "$substr", "$substrBytes", "$substrCP", "$toLower", "$toString", "$trim",
	"$toUpper",

	// conversion
	"$convert", "$toBool", "$toDate", "$toDecimal", "$toDouble", "$toInt", "$toLong",
	"$toObjectId", "$isNumber", "$binarySize", "$bsonSize",

	// accumulators and window functions
	"$avg", "$max", "$min", "$sum", "$stdDevPop", "$stdDevSamp", "$push", "$addToSet", "$top",
	"$topN", "$bottom", "$bottomN", "$median", "$percentile", "$denseRank", "$rank",
	"$documentNumber", "$shift", "$derivative", "$integral", "$expMovingAvg", "$covariancePop",
	"$covarianceSamp", "$locf", "$linearFill",
)

func toSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// classifyMongo validates the document query by shape: a read operation
// whose arguments only use known read operators.
func classifyMongo(query string) Verdict {
	cmd, err := docquery.Parse(query)
	if err != nil {
		return unsafe("query could not be parsed: %v", err)
	}
	if !docquery.IsReadOperation(cmd.Operation) {
		return unsafe("operation %s is not permitted (allowed: find, find_one, count_documents, aggregate, distinct)", cmd.Operation)
	}
	if cmd.Operation == docquery.OpAggregate {
		if _, err := cmd.Pipeline(0); err != nil {
			return unsafe("query could not be parsed: %v", err)
		}
	}

	var denied string
	docquery.WalkKeys(cmd.Args, func(key string) bool {
		if strings.HasPrefix(key, "$") && !mongoOperators[key] {
			denied = key
			return false
		}
		return true
	})
	if denied != "" {
		return unsafe("operator %s is not permitted", denied)
	}
	return safe()
}

func nonEmpty(word string) string {
	if word == "" {
		return "unrecognized"
	}
	return word
}
