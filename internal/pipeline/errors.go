package pipeline

import (
	"fmt"
	"strconv"

	"github.com/example/sync-vector-engine/internal/verr"
)

func errMissingID(table string) error {
	return verr.New(verr.BadQuery, fmt.Sprintf("table %q: row missing id column", table))
}

// toRowKeyText canonicalizes a primary-key value into the same kind of
// string the CVR store uses as RowID.RowKey, so rows hydrated by the
// pipeline and rows loaded from the CVR store address the same row.
func toRowKeyText(key any) string {
	switch v := key.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}
