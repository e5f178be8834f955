package runbox

import (
	"regexp"
	"strings"
	"sync"
)

// DefaultIsolationRules name the runtime modules that hold process-wide
// mutable state. Each instance exists to get its own copy of exactly these.
var DefaultIsolationRules = []string{
	`runtime\.compiler.*`,  // compiler state, gensym counters
	`runtime\.namespace.*`, // namespace/definition table
	`runtime\.var.*`,       // root and thread bindings
	`runtime\.agent.*`,     // worker pool per instance
	`runtime\.stm.*`,       // refs and transactions run on the agent pool
	`runtime\.reader.*`,    // reader tables and data readers
	`runtime\.std.*`,       // stdlib functions must close over the isolated core
	`runbox\.boot.*`,
}

// Classifier decides whether a module name is Isolated or Shared.
// Built-in rules and the user rule are OR-ed, so the user rule can only
// add isolation.
type Classifier struct {
	builtin *regexp.Regexp
	user    *regexp.Regexp
	memo    sync.Map
}

// NewClassifier compiles the built-in rules and the user pattern.
// An empty user pattern matches nothing.
func NewClassifier(builtin []string, user string) (*Classifier, error) {
	c := &Classifier{}
	if len(builtin) > 0 {
		for _, rule := range builtin {
			if _, err := regexp.Compile(rule); err != nil {
				return nil, ConfigurationError{Field: "isolation rule", Reason: "invalid pattern " + rule, Err: err}
			}
		}
		re, err := compileWhole(strings.Join(builtin, "|"))
		if err != nil {
			return nil, ConfigurationError{Field: "isolation rules", Reason: "invalid rule set", Err: err}
		}
		c.builtin = re
	}
	if user != "" {
		re, err := compileWhole(user)
		if err != nil {
			return nil, ConfigurationError{Field: "isolate", Reason: "invalid pattern " + user, Err: err}
		}
		c.user = re
	}
	return c, nil
}

// Classify returns the isolation of name.
func (c *Classifier) Classify(name string) Isolation {
	if v, ok := c.memo.Load(name); ok {
		return v.(Isolation)
	}
	iso := Shared
	switch {
	case c.builtin != nil && c.builtin.MatchString(name):
		iso = Isolated
	case c.user != nil && c.user.MatchString(name):
		iso = Isolated
	}
	c.memo.Store(name, iso)
	return iso
}

// compileWhole anchors pattern so that it must match the entire name.
func compileWhole(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + pattern + `)$`)
}
