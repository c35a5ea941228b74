package document

import "strings"

// DefaultIndexPrefix is prepended to table names to form index names.
const DefaultIndexPrefix = "data_lake_"

const maxIndexNameBytes = 255

var illegalIndexChars = strings.NewReplacer(
	`\`, "_", "/", "_", "*", "_", "?", "_", `"`, "_",
	"<", "_", ">", "_", "|", "_", " ", "_", ",", "_", "#", "_", ":", "_",
)

// IndexName returns the index holding documents of table.
func IndexName(prefix, table string) string {
	name := illegalIndexChars.Replace(strings.ToLower(prefix + table))
	name = strings.TrimLeft(name, "-_+")
	if len(name) > maxIndexNameBytes {
		name = name[:maxIndexNameBytes]
	}
	return name
}
