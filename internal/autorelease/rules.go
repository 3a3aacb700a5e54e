package autorelease

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// CategoryRule is the auto-release policy for a milestone category.
type CategoryRule struct {
	TimeoutHours         int   `yaml:"timeout_hours"`
	WarningHours         []int `yaml:"warning_hours"`
	RequiresConfirmation bool  `yaml:"requires_confirmation"`
}

// Rules maps milestone categories to policies. Unknown categories use
// Default.
type Rules struct {
	Default    CategoryRule            `yaml:"default"`
	Categories map[string]CategoryRule `yaml:"categories"`
}

// DefaultRules returns the built-in policies.
func DefaultRules() Rules {
	return Rules{
		Default: CategoryRule{TimeoutHours: 168, WarningHours: []int{24}},
		Categories: map[string]CategoryRule{
			"content_delivery": {TimeoutHours: 72, WarningHours: []int{24, 12, 2}},
			"campaign_launch":  {TimeoutHours: 120, WarningHours: []int{48, 24, 12}, RequiresConfirmation: true},
			"review_revision":  {TimeoutHours: 48, WarningHours: []int{12, 2}},
		},
	}
}

// For returns the policy for category.
func (r Rules) For(category string) CategoryRule {
	if rule, ok := r.Categories[strings.ToLower(strings.TrimSpace(category))]; ok {
		return rule
	}
	return r.Default
}

// LoadRules reads policies from a YAML file and lays them over the
// defaults. An empty path returns the defaults.
//
//	default:
//	  timeout_hours: 168
//	  warning_hours: [24]
//	categories:
//	  content_delivery:
//	    timeout_hours: 72
//	    warning_hours: [24, 12, 2]
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("read auto-release rules: %w", err)
	}
	var file Rules
	if err := yaml.Unmarshal(data, &file); err != nil {
		return rules, fmt.Errorf("parse auto-release rules %s: %w", path, err)
	}

	if file.Default.TimeoutHours > 0 {
		rules.Default = file.Default
	}
	for name, rule := range file.Categories {
		if rule.TimeoutHours <= 0 {
			return rules, fmt.Errorf("auto-release rules %s: category %q needs a positive timeout_hours", path, name)
		}
		rules.Categories[strings.ToLower(name)] = rule
	}
	for name, rule := range rules.Categories {
		rules.Categories[name] = normalize(rule)
	}
	rules.Default = normalize(rules.Default)
	return rules, nil
}

// normalize sorts warning thresholds descending and drops thresholds that
// fall outside the timeout.
func normalize(r CategoryRule) CategoryRule {
	hours := make([]int, 0, len(r.WarningHours))
	for _, h := range r.WarningHours {
		if h > 0 && h < r.TimeoutHours {
			hours = append(hours, h)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(hours)))
	r.WarningHours = hours
	return r
}

// MaxWarningHours is the earliest warning threshold of any category.
func (r Rules) MaxWarningHours() int {
	max := 0
	for _, rule := range append([]CategoryRule{r.Default}, mapValues(r.Categories)...) {
		for _, h := range rule.WarningHours {
			if h > max {
				max = h
			}
		}
	}
	return max
}

func mapValues(m map[string]CategoryRule) []CategoryRule {
	out := make([]CategoryRule, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
