// Package fiber implements the correlation engine: compiling per-type
// rules from configuration, normalizing typed attribute values, and
// running the stateful per-record fiber processing algorithm.
package fiber

import (
	"fmt"
	"regexp"
	"time"

	"github.com/aiguy110/noil/pkg/schema"
)

// GapMode selects what timestamp a fiber's timeout is measured against.
type GapMode string

const (
	GapSession   GapMode = "session"
	GapFromStart GapMode = "from_start"
)

// TemporalConfig is a fiber type's idle-timeout policy.
type TemporalConfig struct {
	MaxGap  *time.Duration // nil = infinite
	GapMode GapMode
}

// AttributeDef describes one attribute a fiber type can carry.
type AttributeDef struct {
	Name    string
	Type    schema.AttributeType
	IsKey   bool
	Derived *string // "${other}..." template; nil if not derived
}

// PatternConfig is the user-authored definition of one compiled pattern,
// prior to regex compilation.
type PatternConfig struct {
	Regex                   string
	ReleaseMatchingPeerKeys []string
	ReleaseSelfKeys         []string
	Close                   bool
}

// SourceConfig lists the patterns a fiber type matches against lines
// from one source id.
type SourceConfig struct {
	Patterns []PatternConfig
}

// TypeConfig is the raw, user-authored configuration for one fiber
// type, prior to compilation.
type TypeConfig struct {
	Temporal      TemporalConfig
	Attributes    []AttributeDef
	Sources       map[string]SourceConfig
	IsSourceFiber bool
}

// derivedTemplate is a parsed "${a}${b}"-style template plus the
// attribute names it references.
type derivedTemplate struct {
	template     string
	dependencies []string
}

var templateRefRe = regexp.MustCompile(`\$\{([^}]*)\}`)

func parseTemplate(template string) derivedTemplate {
	matches := templateRefRe.FindAllStringSubmatch(template, -1)
	seen := make(map[string]bool)
	var deps []string
	for _, m := range matches {
		name := m[1]
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		deps = append(deps, name)
	}
	return derivedTemplate{template: template, dependencies: deps}
}

// interpolate substitutes every "${name}" reference in the template
// with the corresponding bound value. Returns ok=false if any
// referenced attribute is not currently bound.
func (dt derivedTemplate) interpolate(values map[string]string) (string, bool) {
	for _, dep := range dt.dependencies {
		if _, ok := values[dep]; !ok {
			return "", false
		}
	}
	result := dt.template
	for _, dep := range dt.dependencies {
		placeholder := "${" + dep + "}"
		result = replaceAll(result, placeholder, values[dep])
	}
	return result, true
}

func replaceAll(s, old, new string) string {
	for {
		idx := indexOf(s, old)
		if idx < 0 {
			return s
		}
		s = s[:idx] + new + s[idx+len(old):]
	}
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	if m == 0 {
		return -1
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}

// CompiledPattern is a PatternConfig with its regex compiled and its
// capture groups classified against the fiber type's declared keys.
type CompiledPattern struct {
	Regex                   *regexp.Regexp
	ReleaseMatchingPeerKeys []string
	ReleaseSelfKeys         []string
	Close                   bool
	ExtractedKeys           map[string]bool
	CaptureGroups           map[string]bool
}

// CompiledFiberType is the rule for one fiber type, ready to drive
// FiberTypeProcessor.
type CompiledFiberType struct {
	Name             string
	Temporal         TemporalConfig
	Attributes       []AttributeDef
	KeyNames         map[string]bool
	DerivedOrder     []string
	DerivedTemplates map[string]derivedTemplate
	SourcePatterns   map[string][]CompiledPattern
	IsSourceFiber    bool
}

// RuleError reports a failure compiling a fiber type.
type RuleError struct {
	Kind string
	Msg  string
}

func (e *RuleError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

func errRegexCompilation(pattern string, cause error) error {
	return &RuleError{Kind: "RegexCompilation", Msg: fmt.Sprintf("pattern %q: %v", pattern, cause)}
}
func errCircularDependency(name string) error {
	return &RuleError{Kind: "CircularDependency", Msg: name}
}
func errUndefinedReference(attr, ref string) error {
	return &RuleError{Kind: "UndefinedReference", Msg: fmt.Sprintf("attribute %q references undefined %q", attr, ref)}
}
func errKeyNotExtractable(key string) error {
	return &RuleError{Kind: "KeyNotExtractable", Msg: key}
}
func errReleaseMatchingNotKey(key string) error {
	return &RuleError{Kind: "ReleaseMatchingNotKey", Msg: key}
}
func errReleaseSelfNotKey(key string) error {
	return &RuleError{Kind: "ReleaseSelfNotKey", Msg: key}
}
func errDuplicateAttribute(name string) error {
	return &RuleError{Kind: "DuplicateAttribute", Msg: name}
}

// compilePattern compiles one PatternConfig, classifying its named
// capture groups and validating its release-key lists.
func compilePattern(cfg PatternConfig, keyNames map[string]bool) (CompiledPattern, error) {
	re, err := regexp.Compile(cfg.Regex)
	if err != nil {
		return CompiledPattern{}, errRegexCompilation(cfg.Regex, err)
	}

	captureGroups := make(map[string]bool)
	for _, name := range re.SubexpNames() {
		if name != "" {
			captureGroups[name] = true
		}
	}

	extractedKeys := make(map[string]bool)
	for name := range captureGroups {
		if keyNames[name] {
			extractedKeys[name] = true
		}
	}

	for _, k := range cfg.ReleaseMatchingPeerKeys {
		if !captureGroups[k] {
			return CompiledPattern{}, errKeyNotExtractable(k)
		}
		if !keyNames[k] {
			return CompiledPattern{}, errReleaseMatchingNotKey(k)
		}
	}
	for _, k := range cfg.ReleaseSelfKeys {
		if !keyNames[k] {
			return CompiledPattern{}, errReleaseSelfNotKey(k)
		}
	}

	return CompiledPattern{
		Regex:                   re,
		ReleaseMatchingPeerKeys: cfg.ReleaseMatchingPeerKeys,
		ReleaseSelfKeys:         cfg.ReleaseSelfKeys,
		Close:                   cfg.Close,
		ExtractedKeys:           extractedKeys,
		CaptureGroups:           captureGroups,
	}, nil
}

// topologicalSortDerived orders derived attribute names so that every
// attribute's dependencies (among other derived attributes) precede
// it, rejecting cycles.
func topologicalSortDerived(templates map[string]derivedTemplate) ([]string, error) {
	var result []string
	visited := make(map[string]bool)
	inProgress := make(map[string]bool)

	var visit func(name string) error
	visit = func(name string) error {
		if visited[name] {
			return nil
		}
		if inProgress[name] {
			return errCircularDependency(name)
		}
		if tmpl, ok := templates[name]; ok {
			inProgress[name] = true
			for _, dep := range tmpl.dependencies {
				if _, isDerived := templates[dep]; isDerived {
					if err := visit(dep); err != nil {
						return err
					}
				}
			}
			delete(inProgress, name)
		}
		visited[name] = true
		if _, ok := templates[name]; ok {
			result = append(result, name)
		}
		return nil
	}

	for name := range templates {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Compile builds a CompiledFiberType from a raw TypeConfig.
func Compile(name string, cfg TypeConfig) (*CompiledFiberType, error) {
	attrNames := make(map[string]bool, len(cfg.Attributes))
	for _, a := range cfg.Attributes {
		if attrNames[a.Name] {
			return nil, errDuplicateAttribute(a.Name)
		}
		attrNames[a.Name] = true
	}

	keyNames := make(map[string]bool)
	for _, a := range cfg.Attributes {
		if a.IsKey {
			keyNames[a.Name] = true
		}
	}

	templates := make(map[string]derivedTemplate)
	for _, a := range cfg.Attributes {
		if a.Derived == nil {
			continue
		}
		dt := parseTemplate(*a.Derived)
		for _, dep := range dt.dependencies {
			if !attrNames[dep] {
				return nil, errUndefinedReference(a.Name, dep)
			}
		}
		templates[a.Name] = dt
	}

	order, err := topologicalSortDerived(templates)
	if err != nil {
		return nil, err
	}

	sourcePatterns := make(map[string][]CompiledPattern)
	for sourceID, sc := range cfg.Sources {
		var patterns []CompiledPattern
		for _, pc := range sc.Patterns {
			cp, err := compilePattern(pc, keyNames)
			if err != nil {
				return nil, err
			}
			patterns = append(patterns, cp)
		}
		sourcePatterns[sourceID] = patterns
	}

	return &CompiledFiberType{
		Name:             name,
		Temporal:         cfg.Temporal,
		Attributes:       cfg.Attributes,
		KeyNames:         keyNames,
		DerivedOrder:     order,
		DerivedTemplates: templates,
		SourcePatterns:   sourcePatterns,
		IsSourceFiber:    cfg.IsSourceFiber,
	}, nil
}

// AttributeType returns the declared type of the named attribute, if any.
func (c *CompiledFiberType) AttributeType(name string) (schema.AttributeType, bool) {
	for _, a := range c.Attributes {
		if a.Name == name {
			return a.Type, true
		}
	}
	return "", false
}

// HasSource reports whether this fiber type has any compiled patterns
// for the given source id.
func (c *CompiledFiberType) HasSource(source string) bool {
	_, ok := c.SourcePatterns[source]
	return ok
}

// AddSourcePatterns registers additional compiled patterns for a source
// that was not present at compile time. No runner calls it; parent mode
// matches only the sources named in the compiled configuration.
func (c *CompiledFiberType) AddSourcePatterns(source string, patterns []CompiledPattern) {
	c.SourcePatterns[source] = append(c.SourcePatterns[source], patterns...)
}
