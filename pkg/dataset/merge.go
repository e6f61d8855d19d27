package dataset

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// Result columns appended by Merge, after the field columns.
const (
	ColRawResponse = "raw_response"
	ColSuccess     = "success"
	ColError       = "error"
	ColFromCache   = "from_cache"
)

// Merge returns a copy of t with result columns added: raw_response, one
// column per field, success, error and from_cache. Results are matched
// to records by index; records without a result keep empty cells. When
// fields is empty the union of all extracted keys is used, sorted.
// Columns already present in t are overwritten in place.
func Merge(t *Table, results []models.Result, fields []string) *Table {
	if len(fields) == 0 {
		fields = fieldUnion(results)
	}

	header := slices.Clone(t.Header)
	pos := make(map[string]int, len(fields)+4)
	add := func(name string) {
		if i := slices.Index(header, name); i >= 0 {
			pos[name] = i
			return
		}
		pos[name] = len(header)
		header = append(header, name)
	}
	add(ColRawResponse)
	for _, f := range fields {
		add(f)
	}
	add(ColSuccess)
	add(ColError)
	add(ColFromCache)

	byIndex := make(map[int]models.Result, len(results))
	for _, r := range results {
		byIndex[r.Index] = r
	}

	records := make([][]string, len(t.Records))
	for i, rec := range t.Records {
		out := make([]string, len(header))
		copy(out, rec)
		res, ok := byIndex[i]
		if !ok {
			records[i] = out
			continue
		}
		out[pos[ColRawResponse]] = res.RawResponse
		for _, f := range fields {
			out[pos[f]] = FormatValue(res.Fields[f])
		}
		out[pos[ColSuccess]] = strconv.FormatBool(res.Success)
		out[pos[ColError]] = res.Error
		out[pos[ColFromCache]] = strconv.FormatBool(res.FromCache)
		records[i] = out
	}
	return &Table{Header: header, Records: records}
}

// FormatValue renders an extracted value as a CSV cell. Scalars are
// written as-is; objects and arrays as compact JSON.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func fieldUnion(results []models.Result) []string {
	set := make(map[string]struct{})
	for _, r := range results {
		for k := range r.Fields {
			set[k] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}
