package policy

// Built-in rules are compiled constants evaluated before every other layer.
// They protect the kernel's own on-disk state from the agent it supervises
// and force review on writes to subtrees that can change the kernel's
// behavior. A built-in deny is terminal; not even a valid capability token
// overrides it.
var builtinRules = mustCompileBuiltins([]Rule{
	{
		Name:   "protect-kernel-state",
		Action: DecisionDeny,
		Reason: "kernel state files are never writable by the agent",
		Match: &Condition{
			Syscall:  StringList{"fs.write"},
			PathGlob: []string{".fluffy/**", "**/.fluffy/**"},
		},
	},
	{
		Name:   "review-bootstrap-writes",
		Action: DecisionRequireReview,
		Reason: "bootstrap sources require human review",
		Match: &Condition{
			Syscall:  StringList{"fs.write"},
			PathGlob: []string{"src/bootstrap/**"},
		},
	},
	{
		Name:   "review-kernel-writes",
		Action: DecisionRequireReview,
		Reason: "kernel sources require human review",
		Match: &Condition{
			Syscall:  StringList{"fs.write"},
			PathGlob: []string{"src/kernel/**"},
		},
	},
})

func mustCompileBuiltins(rules []Rule) []*compiledRule {
	compiled := make([]*compiledRule, 0, len(rules))
	for k := range rules {
		r := &rules[k]
		c := &compiledRule{name: r.Name, action: r.Action, reason: r.Reason}
		match, err := compileCondition(r.Match)
		if err != nil {
			panic("policy: bad builtin rule " + r.Name + ": " + err.Error())
		}
		c.match = match
		compiled = append(compiled, c)
	}
	return compiled
}
