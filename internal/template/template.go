// Package template renders card question/answer HTML from a model and
// a note: field substitution, conditional sections, a filter registry,
// and the cloze filter. It is pure: no I/O, no Store handle, no
// observable side effects.
package template

import (
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/microdote/collection-core/internal/collerr"
	"github.com/microdote/collection-core/internal/store"
)

// fieldRefRe matches a substitution reference: {{Field}} or
// {{filter:Field}}. Section tags ({{#Field}}, {{/Field}}, {{^Field}})
// are stripped out before this runs.
var fieldRefRe = regexp.MustCompile(`\{\{([^#^/][^}]*)\}\}`)

// sectionRe matches {{#Field}}body{{/Field}} or {{^Field}}body{{/Field}}.
// The body may not contain another opening section tag, so only
// innermost sections match and nested sections resolve from the inside
// out across repeated passes.
var sectionRe = regexp.MustCompile(`(?s)\{\{([#^])([^}]+)\}\}((?:[^{]|\{[^{]|\{\{[^#^])*?)\{\{/([^}]+)\}\}`)

// clozeTokenRe matches {{cN::text}} or {{cN::text::hint}}.
var clozeTokenRe = regexp.MustCompile(`\{\{c(\d+)::(.*?)(?:::([^}]*))?\}\}`)

// Filter transforms a field's rendered content before substitution.
type Filter func(content string) string

// Registry is an immutable filter map built at construction; renders
// never mutate it.
type Registry struct {
	filters  map[string]Filter
	logger   *log.Logger
	logged   map[string]bool
	sanitize *bluemonday.Policy
}

// stripHTML removes tags, used both by the "text" filter and by the
// section-truthiness test.
var tagRe = regexp.MustCompile(`<[^>]*>`)

func stripHTML(s string) string {
	return tagRe.ReplaceAllString(s, "")
}

// NewRegistry builds the filter registry. logger defaults to
// log.Default(); it is used once per unknown filter name.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	r := &Registry{
		filters: make(map[string]Filter),
		logger:  logger,
		logged:  make(map[string]bool),
		sanitize: bluemonday.UGCPolicy(),
	}
	r.filters["text"] = func(s string) string { return stripHTML(s) }
	r.filters["type"] = func(s string) string { return s } // typing UI lives in the presentation layer
	return r
}

// withCloze registers the cloze filter bound to a specific
// rendering pass's target ordinal and reveal state; returns a new
// Registry so the base registry stays immutable across renders.
func (r *Registry) withCloze(targetOrd int, reveal bool) *Registry {
	clone := &Registry{
		filters:  make(map[string]Filter, len(r.filters)+1),
		logger:   r.logger,
		logged:   r.logged,
		sanitize: r.sanitize,
	}
	for k, v := range r.filters {
		clone.filters[k] = v
	}
	clone.filters["cloze"] = func(s string) string { return renderCloze(s, targetOrd, reveal) }
	return clone
}

func (r *Registry) apply(filterName, content string) string {
	name := strings.ToLower(strings.TrimSpace(filterName))
	f, ok := r.filters[name]
	if !ok {
		if !r.logged[name] {
			r.logger.Printf("template: unknown filter %q, passing content through unchanged", name)
			r.logged[name] = true
		}
		return content
	}
	return f(content)
}

// Sanitize runs s through the bluemonday UGC policy, used by callers
// that display a rendered text-filtered field outside the card itself.
func (r *Registry) Sanitize(s string) string {
	return r.sanitize.Sanitize(s)
}

// Rendered holds a render's question and answer HTML.
type Rendered struct {
	Front string
	Back  string
}

// Fields splits a note's flds string on the unit separator 0x1F into
// a case-insensitive field-name to content map, in the order declared
// by the model.
func Fields(model *store.Model, flds string) map[string]string {
	parts := strings.Split(flds, "\x1f")
	out := make(map[string]string, len(model.Fields))
	for i, f := range model.Fields {
		if i < len(parts) {
			out[strings.ToLower(f.Name)] = parts[i]
		} else {
			out[strings.ToLower(f.Name)] = ""
		}
	}
	return out
}

// Render produces both sides of the card at ord. For Standard models,
// ord selects model.Templates[ord] directly. For Cloze models, ord is
// the cloze-group index, not a templates-array index; a Cloze model
// conventionally carries exactly one template, so ord always selects
// model.Templates[0] and is used only as the cloze reveal target.
func Render(registry *Registry, model *store.Model, note *store.Note, ord int) (Rendered, error) {
	isCloze := model.Type == store.ModelCloze

	tmplIdx := ord
	if isCloze {
		tmplIdx = 0
	}
	if ord < 0 || tmplIdx < 0 || tmplIdx >= len(model.Templates) {
		return fallbackRender(note), collerr.New(collerr.KindValidation, "template.Render",
			fmt.Sprintf("template ordinal %d missing on model %q", ord, model.Name))
	}
	tmpl := model.Templates[tmplIdx]
	fields := Fields(model, note.Flds)

	var qReg, aReg *Registry
	if isCloze {
		qReg = registry.withCloze(ord+1, false)
		aReg = registry.withCloze(ord+1, true)
	} else {
		qReg, aReg = registry, registry
	}

	front := renderSide(tmpl.QFmt, fields, qReg, "")
	back := renderSide(tmpl.AFmt, fields, aReg, front)
	return Rendered{Front: front, Back: back}, nil
}

func fallbackRender(note *store.Note) Rendered {
	parts := strings.SplitN(note.Flds, "\x1f", 2)
	front := ""
	back := ""
	if len(parts) > 0 {
		front = parts[0]
	}
	if len(parts) > 1 {
		back = parts[1]
	}
	return Rendered{Front: front, Back: back}
}

// renderSide runs the conditional-section pass then the substitution
// pass over one format string. frontSide is the already-rendered
// question, spliced in for the {{FrontSide}} sentinel on the answer
// side.
func renderSide(format string, fields map[string]string, registry *Registry, frontSide string) string {
	expanded := expandSections(format, fields)
	return substituteRefs(expanded, fields, registry, frontSide)
}

// expandSections resolves {{#Field}}...{{/Field}} and
// {{^Field}}...{{/Field}} to their body or "" depending on truthiness,
// repeatedly so inner sections resolve before outer ones re-scan.
func expandSections(format string, fields map[string]string) string {
	for {
		matched := false
		out := sectionRe.ReplaceAllStringFunc(format, func(block string) string {
			m := sectionRe.FindStringSubmatch(block)
			if m == nil {
				return block
			}
			kind, name, body, closeName := m[1], strings.TrimSpace(m[2]), m[3], strings.TrimSpace(m[4])
			if !strings.EqualFold(name, closeName) {
				return block
			}
			matched = true
			truthy := isTruthy(fields[strings.ToLower(name)])
			if kind == "#" {
				if truthy {
					return body
				}
				return ""
			}
			// "^" — inverted section
			if !truthy {
				return body
			}
			return ""
		})
		if !matched || out == format {
			return out
		}
		format = out
	}
}

// isTruthy reports whether field content (tags stripped) has
// non-whitespace length > 0.
func isTruthy(content string) bool {
	return strings.TrimSpace(stripHTML(content)) != ""
}

// substituteRefs resolves {{FieldName}}, {{filter:FieldName}}, and the
// {{FrontSide}} sentinel.
func substituteRefs(format string, fields map[string]string, registry *Registry, frontSide string) string {
	return fieldRefRe.ReplaceAllStringFunc(format, func(token string) string {
		m := fieldRefRe.FindStringSubmatch(token)
		if len(m) != 2 {
			return token
		}
		expr := strings.TrimSpace(m[1])
		if expr == "FrontSide" {
			return frontSide
		}
		filterName, fieldName, hasFilter := strings.Cut(expr, ":")
		if !hasFilter {
			return fields[strings.ToLower(expr)]
		}
		fieldName = strings.TrimSpace(fieldName)
		content := fields[strings.ToLower(fieldName)]
		return registry.apply(filterName, content)
	})
}

// ExtractClozeOrdinals returns every distinct cloze index N referenced
// by {{cN::...}} tokens in text, ascending.
func ExtractClozeOrdinals(text string) []int {
	seen := map[int]bool{}
	for _, m := range clozeTokenRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			continue
		}
		seen[n] = true
	}
	ords := make([]int, 0, len(seen))
	for k := range seen {
		ords = append(ords, k)
	}
	sort.Ints(ords)
	return ords
}

// renderCloze applies the cloze filter: on the question side
// (reveal=false), the token whose N equals targetOrdinal becomes
// "[hint]" or "[...]"; every other token shows its answer text
// verbatim. On the answer side (reveal=true), every token shows its
// answer text.
func renderCloze(text string, targetOrdinal int, reveal bool) string {
	return clozeTokenRe.ReplaceAllStringFunc(text, func(token string) string {
		m := clozeTokenRe.FindStringSubmatch(token)
		if len(m) < 3 {
			return token
		}
		ord, _ := strconv.Atoi(m[1])
		answer := m[2]
		hint := ""
		if len(m) >= 4 {
			hint = m[3]
		}
		if reveal {
			return answer
		}
		if ord != targetOrdinal {
			return answer
		}
		if hint != "" {
			return "[" + hint + "]"
		}
		return "[...]"
	})
}
