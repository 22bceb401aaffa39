package markdown

import (
	"strings"
)

// Route is the collection destination derived from a file path.
type Route struct {
	Collection string
	Archived   bool
}

// titleCase converts a path segment to a display name: split on - and _,
// uppercase each word's first letter, join with spaces.
func titleCase(segment string) string {
	words := strings.FieldsFunc(segment, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// architectureSubRoutes are the well-known architecture sub-areas that get
// their own nested collection.
var architectureSubRoutes = map[string]struct{}{
	"components":     {},
	"business-logic": {},
	"development":    {},
	"core":           {},
}

// RouteCollection derives the collection for a file from its path relative
// to the import base directory. Rules are ordered; the first match wins:
//
//  1. any segment "archived"            -> Archived (marks the doc archived)
//  2. /decisions/ or /adr/              -> ADR
//  3. /lessons/                         -> Lessons
//  4. top segment "troubleshooting"     -> Troubleshooting
//  5. top segment "architecture"        -> Architecture[:Sub Area]
//  6. top "performance" / "testing"     -> Performance / Testing
//  7. fallback: title-cased directory segments joined with ":", or Docs
func RouteCollection(relPath string) Route {
	relPath = strings.ReplaceAll(relPath, "\\", "/")
	relPath = strings.TrimPrefix(relPath, "./")
	parts := strings.Split(relPath, "/")
	dirs := parts[:max(0, len(parts)-1)]

	for _, d := range dirs {
		if strings.EqualFold(d, "archived") {
			return Route{Collection: "Archived", Archived: true}
		}
	}
	for _, d := range dirs {
		if strings.EqualFold(d, "decisions") || strings.EqualFold(d, "adr") {
			return Route{Collection: "ADR"}
		}
	}
	for _, d := range dirs {
		if strings.EqualFold(d, "lessons") {
			return Route{Collection: "Lessons"}
		}
	}
	if len(dirs) > 0 {
		switch strings.ToLower(dirs[0]) {
		case "troubleshooting":
			return Route{Collection: "Troubleshooting"}
		case "architecture":
			if len(dirs) > 1 {
				if _, known := architectureSubRoutes[strings.ToLower(dirs[1])]; known {
					return Route{Collection: "Architecture:" + titleCase(dirs[1])}
				}
			}
			return Route{Collection: "Architecture"}
		case "performance":
			return Route{Collection: "Performance"}
		case "testing":
			return Route{Collection: "Testing"}
		}
	}

	if len(dirs) == 0 {
		return Route{Collection: "Docs"}
	}
	titled := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if d == "" || d == "." {
			continue
		}
		titled = append(titled, titleCase(d))
	}
	if len(titled) == 0 {
		return Route{Collection: "Docs"}
	}
	return Route{Collection: strings.Join(titled, ":")}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
