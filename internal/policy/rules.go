// Package policy implements the kernel's layered authorization engine:
// built-in rules, capability tokens, declarative rules from the capability
// document, and an optional external evaluator, aggregated default-deny.
package policy

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionAllow         Decision = "allow"
	DecisionDeny          Decision = "deny"
	DecisionRequireReview Decision = "require_review"
	DecisionPass          Decision = "pass"
)

func (d Decision) String() string {
	return string(d)
}

// StringList accepts either a YAML scalar or a sequence of scalars.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = StringList(items)
		return nil
	default:
		return fmt.Errorf("expected string or list of strings")
	}
}

// Condition is a match or except clause. A nil PathGlob means no path
// constraint; an empty non-nil PathGlob never matches anything.
type Condition struct {
	Syscall   StringList `yaml:"syscall,omitempty"`
	CallerTag StringList `yaml:"caller_tag,omitempty"`
	PathGlob  []string   `yaml:"path_glob,omitempty"`
}

// Rule is a single declarative capability rule as written in the document.
type Rule struct {
	Name   string      `yaml:"name"`
	Match  *Condition  `yaml:"match"`
	Action Decision    `yaml:"action"`
	Except []Condition `yaml:"except,omitempty"`
	Reason string      `yaml:"reason,omitempty"`
}

// document is the top-level capability document.
type document struct {
	Capabilities []Rule `yaml:"capabilities"`
}

// compiledRule is a rule with its glob sets validated once at load time.
type compiledRule struct {
	name   string
	action Decision
	reason string
	match  compiledCondition
	except []compiledCondition
}

type compiledCondition struct {
	syscalls map[string]bool // nil = unconstrained
	tags     map[string]bool // nil = unconstrained
	pathGlob []string        // nil = unconstrained, empty = never matches
}

func compileCondition(c *Condition) (compiledCondition, error) {
	var out compiledCondition

	if len(c.Syscall) > 0 && !slices.Contains(c.Syscall, "*") {
		out.syscalls = make(map[string]bool, len(c.Syscall))
		for _, s := range c.Syscall {
			out.syscalls[s] = true
		}
	}
	if len(c.CallerTag) > 0 {
		out.tags = make(map[string]bool, len(c.CallerTag))
		for _, tag := range c.CallerTag {
			out.tags[tag] = true
		}
	}
	if c.PathGlob != nil {
		for _, pattern := range c.PathGlob {
			if !doublestar.ValidatePattern(pattern) {
				return out, fmt.Errorf("invalid path glob %q", pattern)
			}
		}
		out.pathGlob = c.PathGlob
	}

	return out, nil
}

// matches evaluates a compiled condition against a syscall context.
func (c *compiledCondition) matches(sc *SyscallContext) bool {
	if c.syscalls != nil && !c.syscalls[sc.Type] {
		return false
	}

	if c.tags != nil {
		found := false
		for _, tag := range sc.Caller.Tags {
			if c.tags[tag] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if c.pathGlob != nil {
		path, ok := sc.Args["path"].(string)
		if !ok {
			return false
		}
		matched := false
		for _, pattern := range c.pathGlob {
			if ok, err := doublestar.Match(pattern, path); err == nil && ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

// applies reports whether the rule's match matches and none of its except
// conditions does.
func (r *compiledRule) applies(sc *SyscallContext) bool {
	if !r.match.matches(sc) {
		return false
	}
	for k := range r.except {
		if r.except[k].matches(sc) {
			return false
		}
	}
	return true
}

// ruleSet is an immutable compiled rule set, indexed by syscall name with a
// "*" bucket for rules that name no syscall.
type ruleSet struct {
	bySyscall map[string][]*compiledRule
	wildcard  []*compiledRule
}

func (rs *ruleSet) rulesFor(syscall string) []*compiledRule {
	if rs == nil {
		return nil
	}
	rules := rs.bySyscall[syscall]
	if len(rs.wildcard) > 0 {
		rules = append(append([]*compiledRule(nil), rules...), rs.wildcard...)
	}
	return rules
}

// compileRules validates and compiles declarative rules. Missing name,
// missing match, or an invalid action is a load-time failure; identical
// match and except clauses get a schema warning but are honored.
func compileRules(rules []Rule, logger *log.Logger) (*ruleSet, error) {
	rs := &ruleSet{bySyscall: make(map[string][]*compiledRule)}

	for k := range rules {
		r := &rules[k]
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d: missing name", k)
		}
		if r.Match == nil {
			return nil, fmt.Errorf("rule %q: missing match", r.Name)
		}
		switch r.Action {
		case DecisionAllow, DecisionDeny, DecisionRequireReview:
		default:
			return nil, fmt.Errorf("rule %q: invalid action %q", r.Name, r.Action)
		}

		for k := range r.Except {
			if reflect.DeepEqual(*r.Match, r.Except[k]) {
				logger.Printf("schema warning: rule %q has an except clause identical to its match", r.Name)
			}
		}

		compiled := &compiledRule{
			name:   r.Name,
			action: r.Action,
			reason: r.Reason,
		}
		match, err := compileCondition(r.Match)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		compiled.match = match
		for j := range r.Except {
			except, err := compileCondition(&r.Except[j])
			if err != nil {
				return nil, fmt.Errorf("rule %q except %d: %w", r.Name, j, err)
			}
			compiled.except = append(compiled.except, except)
		}

		if compiled.match.syscalls == nil {
			rs.wildcard = append(rs.wildcard, compiled)
			continue
		}
		for syscall := range compiled.match.syscalls {
			rs.bySyscall[syscall] = append(rs.bySyscall[syscall], compiled)
		}
	}

	return rs, nil
}

// LoadDocument parses and compiles the capability document at path.
func LoadDocument(path string, logger *log.Logger) (*ruleSet, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[policy] ", log.LstdFlags|log.Lmsgprefix)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capability document: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse capability document: %w", err)
	}

	rs, err := compileRules(doc.Capabilities, logger)
	if err != nil {
		return nil, fmt.Errorf("compile capability document: %w", err)
	}
	return rs, nil
}
