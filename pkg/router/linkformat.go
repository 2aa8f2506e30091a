package router

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/junbin-yang/coapd/pkg/codec"
)

// WellKnownCorePath is where CoRE Link Format discovery is served (RFC 6690).
const WellKnownCorePath = "/.well-known/core"

// ContentFormatLinkFormat is Content-Format 40.
const ContentFormatLinkFormat = 40

// ContentFormatLinkFormatJSON is the JSON rendering of the same discovery
// set, for clients that would rather parse an array of objects than the
// RFC 6690 text grammar.
const ContentFormatLinkFormatJSON = 504

// filterPredicate is one AND-ed query predicate.
type filterPredicate struct {
	attr  string // "rt", "if", "title", "sz", or "obs"
	value string
	bare  bool // true for a bare "obs" filter with no "=value"
}

// parseFilters turns the request's Uri-Query options into AND-ed predicates.
// Query values arrive as "key=value" or bare "key" (e.g. "obs").
func parseFilters(queries [][]byte) []filterPredicate {
	var preds []filterPredicate
	for _, q := range queries {
		s := string(q)
		if eq := strings.IndexByte(s, '='); eq >= 0 {
			preds = append(preds, filterPredicate{attr: s[:eq], value: s[eq+1:]})
		} else {
			preds = append(preds, filterPredicate{attr: s, bare: true})
		}
	}
	return preds
}

func (p filterPredicate) matches(ri RouteInfo) bool {
	switch p.attr {
	case "rt":
		return ri.Meta.ResourceType == p.value
	case "if":
		return ri.Meta.Interface == p.value
	case "title":
		return ri.Meta.Title == p.value
	case "sz":
		return ri.Meta.Size == p.value
	case "obs":
		if p.bare || p.value == "1" {
			return ri.Meta.Observable
		}
		return true
	default:
		if v, ok := ri.Meta.Attrs[p.attr]; ok {
			return v == p.value
		}
		return false
	}
}

// RenderLinkFormat builds the RFC 6690 text body for routes matching every
// predicate (AND semantics). Discovery's own route is never included.
func RenderLinkFormat(routes []RouteInfo, queries [][]byte) []byte {
	preds := parseFilters(queries)

	var links []string
	for _, ri := range routes {
		if ri.Path == WellKnownCorePath {
			continue
		}
		keep := true
		for _, p := range preds {
			if !p.matches(ri) {
				keep = false
				break
			}
		}
		if !keep {
			continue
		}
		links = append(links, renderLink(ri))
	}
	return []byte(strings.Join(dedupeLinks(links), ","))
}

// RenderLinkFormatJSON is RenderLinkFormat's JSON-array counterpart: one
// object per matching route, built by patching fields into a growing byte
// buffer with sjson rather than constructing and marshaling Go structs, the
// same incremental-patch idiom a reverse proxy uses to rewrite a JSON body
// field by field.
func RenderLinkFormatJSON(routes []RouteInfo, queries [][]byte) []byte {
	preds := parseFilters(queries)

	doc := []byte("[]")
	i := 0
	for _, ri := range routes {
		if ri.Path == WellKnownCorePath {
			continue
		}
		keep := true
		for _, p := range preds {
			if !p.matches(ri) {
				keep = false
				break
			}
		}
		if !keep {
			continue
		}

		prefix := fmt.Sprintf("%d.", i)
		doc, _ = sjson.SetBytes(doc, prefix+"href", ri.Path)
		if ri.Meta.ResourceType != "" {
			doc, _ = sjson.SetBytes(doc, prefix+"rt", ri.Meta.ResourceType)
		}
		if ri.Meta.Interface != "" {
			doc, _ = sjson.SetBytes(doc, prefix+"if", ri.Meta.Interface)
		}
		if ri.Meta.ContentFormat != "" {
			doc, _ = sjson.SetBytes(doc, prefix+"ct", ri.Meta.ContentFormat)
		}
		if ri.Meta.Observable {
			doc, _ = sjson.SetBytes(doc, prefix+"obs", true)
		}
		i++
	}
	return doc
}

// dedupeLinks collapses identical link entries produced by multiple
// methods registered against the same path+metadata.
func dedupeLinks(links []string) []string {
	seen := make(map[string]bool, len(links))
	out := links[:0]
	for _, l := range links {
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

func renderLink(ri RouteInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<%s>", ri.Path)
	if ri.Meta.ResourceType != "" {
		fmt.Fprintf(&b, ";rt=%q", ri.Meta.ResourceType)
	}
	if ri.Meta.Interface != "" {
		fmt.Fprintf(&b, ";if=%q", ri.Meta.Interface)
	}
	if ri.Meta.ContentFormat != "" {
		fmt.Fprintf(&b, ";ct=%s", ri.Meta.ContentFormat)
	}
	if ri.Meta.Size != "" {
		fmt.Fprintf(&b, ";sz=%s", ri.Meta.Size)
	}
	if ri.Meta.Title != "" {
		fmt.Fprintf(&b, ";title=%q", ri.Meta.Title)
	}
	if ri.Meta.Observable {
		b.WriteString(";obs")
	}
	keys := make([]string, 0, len(ri.Meta.Attrs))
	for k := range ri.Meta.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, ";%s=%q", k, ri.Meta.Attrs[k])
	}
	return b.String()
}

// ExtractFilterFromJSON is a convenience for applications that describe
// a resource's metadata as JSON (e.g. loaded from config); it pulls a
// named field out with gjson, for building Metadata from a device
// descriptor instead of literal struct fields.
func ExtractFilterFromJSON(doc, path string) (string, bool) {
	res := gjson.Get(doc, path)
	if !res.Exists() {
		return "", false
	}
	return res.String(), true
}

// SizeAttr renders an integer size as the "sz" attribute string.
func SizeAttr(n int) string { return strconv.Itoa(n) }

// QueriesOf pulls the raw Uri-Query option values out of a discovery
// request for RenderLinkFormat.
func QueriesOf(m *codec.Message) [][]byte {
	return m.GetOptions(codec.OptionUriQuery)
}
