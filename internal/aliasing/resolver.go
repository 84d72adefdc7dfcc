package aliasing

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// placeholder matches {name} (one underscore-delimited segment) and {name*}
// (the remainder of the name).
var placeholder = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)(\*?)\}`)

// rewrite is a compiled pattern rule. template is the canonical form written
// for regexp.Expand.
type rewrite struct {
	regex    *regexp.Regexp
	template string
}

// Resolver maps explicit reference names to their canonical form. It is
// immutable once built and safe for concurrent use.
//
// Exact aliases are consulted first, then the patterns in declaration order.
// Resolution is applied once: a canonical name is not resolved again.
type Resolver struct {
	aliases  map[string]string
	rewrites []rewrite
}

// compileRewrite turns "S2A_OPER_{kind}_{rest*}" into
// ^S2A_OPER_(?P<kind>[^_]+)_(?P<rest>.+)$ and the canonical "{kind}/{rest}"
// into "${kind}/${rest}". Placeholders of canonical that the pattern does not
// capture are kept literally.
func compileRewrite(pattern, canonical string) (rewrite, error) {
	var (
		expr     strings.Builder
		captured = make(map[string]bool)
		last     = 0
	)

	expr.WriteString("^")

	for _, loc := range placeholder.FindAllStringSubmatchIndex(pattern, -1) {
		name := pattern[loc[2]:loc[3]]
		if captured[name] {
			return rewrite{}, fmt.Errorf("placeholder {%s} used twice", name)
		}

		captured[name] = true
		class := "[^_]+"

		if loc[5] > loc[4] {
			class = ".+"
		}

		expr.WriteString(regexp.QuoteMeta(pattern[last:loc[0]]))
		fmt.Fprintf(&expr, "(?P<%s>%s)", name, class)

		last = loc[1]
	}

	expr.WriteString(regexp.QuoteMeta(pattern[last:]))
	expr.WriteString("$")

	regex, err := regexp.Compile(expr.String())
	if err != nil {
		return rewrite{}, err
	}

	template := strings.ReplaceAll(canonical, "$", "$$")
	template = placeholder.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if !captured[name] {
			return m
		}

		return "${" + name + "}"
	})

	return rewrite{regex: regex, template: template}, nil
}

// NewResolver builds a resolver from cfg. Entries with an empty side or an
// uncompilable pattern are logged and skipped. A nil cfg yields a resolver
// returning every name unchanged.
func NewResolver(cfg *Config) *Resolver {
	r := &Resolver{aliases: make(map[string]string)}

	if cfg == nil {
		return r
	}

	for alias, canonical := range cfg.ExplicitRefAliases {
		alias, canonical = strings.TrimSpace(alias), strings.TrimSpace(canonical)

		if alias == "" || canonical == "" {
			slog.Warn("Skipping explicit reference alias with empty side",
				slog.String("alias", alias),
				slog.String("canonical", canonical))

			continue
		}

		r.aliases[alias] = canonical
	}

	for i, p := range cfg.ExplicitRefPatterns {
		pattern, canonical := strings.TrimSpace(p.Pattern), strings.TrimSpace(p.Canonical)

		if pattern == "" || canonical == "" {
			slog.Warn("Skipping explicit reference pattern with empty side",
				slog.Int("index", i),
				slog.String("pattern", pattern),
				slog.String("canonical", canonical))

			continue
		}

		rw, err := compileRewrite(pattern, canonical)
		if err != nil {
			slog.Warn("Skipping invalid explicit reference pattern",
				slog.String("pattern", pattern),
				slog.String("error", err.Error()))

			continue
		}

		r.rewrites = append(r.rewrites, rw)
	}

	return r
}

// AliasCount returns the number of exact aliases.
func (r *Resolver) AliasCount() int {
	if r == nil {
		return 0
	}

	return len(r.aliases)
}

// PatternCount returns the number of usable patterns.
func (r *Resolver) PatternCount() int {
	if r == nil {
		return 0
	}

	return len(r.rewrites)
}

// Resolve returns the canonical name, or name itself when nothing applies.
func (r *Resolver) Resolve(name string) string {
	if canonical, ok := r.Match(name); ok {
		return canonical
	}

	return name
}

// Match returns the canonical name and true when an alias or a pattern applies.
func (r *Resolver) Match(name string) (string, bool) {
	if r == nil || name == "" {
		return "", false
	}

	if canonical, ok := r.aliases[name]; ok {
		return canonical, true
	}

	for _, rw := range r.rewrites {
		m := rw.regex.FindStringSubmatchIndex(name)
		if m == nil {
			continue
		}

		return string(rw.regex.ExpandString(nil, rw.template, name, m)), true
	}

	return "", false
}

// ResolveAll resolves names in order.
func (r *Resolver) ResolveAll(names []string) []string {
	resolved := make([]string, len(names))
	for i, n := range names {
		resolved[i] = r.Resolve(n)
	}

	return resolved
}
