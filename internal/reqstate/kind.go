package reqstate

import (
	"fmt"
	"strings"
)

// Kind tags an event so reducers can be driven by any dispatch mechanism.
type Kind int

const (
	KindUnknown Kind = iota
	// KindFetch is the trigger event: fetch if the staleness policy allows it.
	KindFetch
	KindInvalidate
	KindClear
	KindInvalidateAll
	KindClearAll
	KindResetPaging
	KindRequest
	KindSuccess
	KindFailure
)

var kindNames = map[Kind]string{
	KindFetch:         "FETCH",
	KindInvalidate:    "INVALIDATE",
	KindClear:         "CLEAR",
	KindInvalidateAll: "INVALIDATE_ALL",
	KindClearAll:      "CLEAR_ALL",
	KindResetPaging:   "RESET_PAGING",
	KindRequest:       "REQUEST",
	KindSuccess:       "SUCCESS",
	KindFailure:       "FAILURE",
}

// Kinds lists every recognized kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindFetch,
		KindInvalidate,
		KindClear,
		KindInvalidateAll,
		KindClearAll,
		KindResetPaging,
		KindRequest,
		KindSuccess,
		KindFailure,
	}
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsOutcome reports whether the kind settles an in-flight request.
func (k Kind) IsOutcome() bool {
	return k == KindSuccess || k == KindFailure
}

// ParseKind accepts either the bare kind name ("SUCCESS") or a fully
// qualified event type ("users/list_SUCCESS"). Matching is case-insensitive
// and hyphens are treated as underscores so HTTP paths like reset-paging work.
func ParseKind(value string) (Kind, error) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	if normalized == "" {
		return KindUnknown, fmt.Errorf("reqstate: empty event kind")
	}
	var best Kind
	bestLen := 0
	for kind, name := range kindNames {
		if normalized == name {
			return kind, nil
		}
		// Longest suffix wins so "_INVALIDATE_ALL" is not read as "_ALL".
		if strings.HasSuffix(normalized, "_"+name) && len(name) > bestLen {
			best, bestLen = kind, len(name)
		}
	}
	if bestLen > 0 {
		return best, nil
	}
	return KindUnknown, fmt.Errorf("reqstate: unknown event kind %q", value)
}

// Types names each kind for a resource, e.g. Types("users/list")[KindFetch]
// is "users/list_FETCH".
func Types(base string) map[Kind]string {
	out := make(map[Kind]string, len(kindNames))
	for kind, name := range kindNames {
		out[kind] = base + "_" + name
	}
	return out
}

// NamePrefix joins a module name under an optional parent module.
func NamePrefix(moduleName, parentModuleName string) string {
	if parentModuleName == "" {
		return moduleName
	}
	return parentModuleName + "." + moduleName
}
