// Package locale implements the Error Formatter (spec.md §4.7): a pure
// function mapping (kind, params, locale) to a display string, consulting
// an embedded catalog and falling back to English.
package locale

import (
	"embed"
	"encoding/json"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/gravitational/trace"

	"github.com/zquestz/nexus/internal/nexuserr"
)

//go:embed catalogs/*.json
var catalogFS embed.FS

// English is the authoritative fallback locale. A missing English key is a
// bug, surfaced as the key name itself (spec.md §4.7).
const English = "en"

var placeholderPattern = regexp.MustCompile(`\{\s*\$([A-Za-z0-9_]+)\s*\}`)

// Catalog maps an error kind to its display template for one locale.
type Catalog map[string]string

// Formatter holds the loaded catalogs. It carries no mutable state once
// constructed, so Format is a pure function of its arguments.
type Formatter struct {
	catalogs map[string]Catalog
}

// NewFormatter loads every embedded catalog file. Catalog file names are
// "<locale>.json"; if the retrieval pack ever ships more than one file per
// locale, files are merged in lexicographic filename order with later
// files overriding earlier keys for the same locale, per SPEC_FULL.md §5.
func NewFormatter() (*Formatter, error) {
	entries, err := catalogFS.ReadDir("catalogs")
	if err != nil {
		return nil, trace.Wrap(err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	f := &Formatter{catalogs: make(map[string]Catalog)}
	for _, name := range names {
		locale := strings.TrimSuffix(name, ".json")
		raw, err := catalogFS.ReadFile(path.Join("catalogs", name))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		var c Catalog
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, trace.Wrap(err, "parsing locale catalog %s", name)
		}
		existing, ok := f.catalogs[locale]
		if !ok {
			f.catalogs[locale] = c
			continue
		}
		for k, v := range c {
			existing[k] = v
		}
	}

	if _, ok := f.catalogs[English]; !ok {
		return nil, trace.BadParameter("no English catalog embedded; this is a packaging bug")
	}

	return f, nil
}

// Format renders the display string for kind in the given locale,
// substituting params into `{ $name }` placeholders. Unknown locales and
// missing keys fall back to English; a missing English key returns the
// key name itself.
func (f *Formatter) Format(kind nexuserr.Kind, params nexuserr.Params, locale string) string {
	template, ok := f.lookup(kind, locale)
	if !ok {
		return string(kind)
	}
	return substitute(template, params)
}

func (f *Formatter) lookup(kind nexuserr.Kind, locale string) (string, bool) {
	key := string(kind)
	if cat, ok := f.catalogs[locale]; ok {
		if msg, ok := cat[key]; ok {
			return msg, true
		}
	}
	msg, ok := f.catalogs[English][key]
	return msg, ok
}

func substitute(template string, params nexuserr.Params) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		sub := placeholderPattern.FindStringSubmatch(match)
		if len(sub) != 2 {
			return match
		}
		if v, ok := params[sub[1]]; ok {
			return v
		}
		return match
	})
}
