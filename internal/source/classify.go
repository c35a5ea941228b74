package source

import "strings"

// DefaultShortStringMax is the longest declared string length still treated
// as a code or enum value.
const DefaultShortStringMax = 256

var exactClasses = map[string]TypeClass{
	"json":             ClassJSON,
	"jsonb":            ClassJSON,
	"uuid":             ClassIdentifier,
	"uniqueidentifier": ClassIdentifier,
	"bool":             ClassBoolean,
	"boolean":          ClassBoolean,
	"tinyint(1)":       ClassBoolean,
	"date":             ClassTimestamp,
	"datetime":         ClassTimestamp,

	// time of day carries no date, so it is kept as an exact string
	"time":                   ClassShortString,
	"timetz":                 ClassShortString,
	"time without time zone": ClassShortString,
	"time with time zone":    ClassShortString,

	"year":             ClassInteger,
	"bigint":           ClassInteger,
	"smallint":         ClassInteger,
	"mediumint":        ClassInteger,
	"tinyint":          ClassInteger,
	"real":             ClassFloat,
	"double":           ClassFloat,
	"double precision": ClassFloat,
	"numeric":          ClassFloat,
	"decimal":          ClassFloat,
	"money":            ClassFloat,
	"user-defined":     ClassShortString,
	"enum":             ClassShortString,
	"set":              ClassShortString,
}

var boundedStrings = map[string]bool{
	"char":              true,
	"character":         true,
	"varchar":           true,
	"character varying": true,
	"nchar":             true,
	"nvarchar":          true,
	"varchar2":          true,
}

// Classify maps a source type declaration to its TypeClass. length is the
// declared character length when the catalog reports it separately; a
// length embedded in the declaration is used otherwise.
func Classify(sourceType string, length, shortStringMax int) TypeClass {
	t := strings.ToLower(strings.TrimSpace(sourceType))
	if shortStringMax <= 0 {
		shortStringMax = DefaultShortStringMax
	}
	if c, ok := exactClasses[t]; ok {
		return c
	}

	base := t
	if i := strings.IndexByte(t, '('); i >= 0 {
		base = strings.TrimSpace(t[:i])
		if length == 0 {
			length = declaredLength(t)
		}
	}
	base = strings.TrimSuffix(base, " unsigned")
	if c, ok := exactClasses[base]; ok {
		return c
	}

	switch {
	case strings.HasPrefix(base, "interval"):
		return ClassText
	case strings.HasPrefix(base, "timestamp"), strings.HasPrefix(base, "datetime"):
		return ClassTimestamp
	case strings.HasPrefix(base, "int"), strings.Contains(base, "serial"):
		return ClassInteger
	case strings.HasPrefix(base, "float"), strings.HasPrefix(base, "double"):
		return ClassFloat
	case boundedStrings[base]:
		if length > 0 && length <= shortStringMax {
			return ClassShortString
		}
		return ClassText
	}
	return ClassText
}
