package fetch

// JSONPager appends decoded JSON pages. Paging expects array pages, which
// are concatenated. Any other page replaces the accumulated payload; object
// pages such as {"items":[],"total":0} are not pageable and end pagination.
type JSONPager struct{}

func (JSONPager) Append(existing, page any) any {
	prev, ok := existing.([]any)
	next, ok2 := page.([]any)
	if !ok || !ok2 {
		return page
	}
	out := make([]any, 0, len(prev)+len(next))
	out = append(out, prev...)
	return append(out, next...)
}

// Len counts the items of an array page. Null, empty arrays and objects
// count as zero and end pagination.
func (JSONPager) Len(page any) int {
	switch v := page.(type) {
	case nil:
		return 0
	case []any:
		return len(v)
	case map[string]any:
		return 0
	default:
		return 1
	}
}
