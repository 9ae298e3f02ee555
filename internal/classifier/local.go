package classifier

import (
	"strings"

	"grievline/internal/config"
	"grievline/internal/domain"
)

// Tier carries the fixed texts reported for a priority.
type Tier struct {
	Explanation             string
	ImpactAssessment        string
	RecommendedResponseTime string
}

type Keywords struct {
	High   []string
	Medium []string
}

// RuleTable is the department-scoped keyword and tier configuration used by
// Local. Departments without an entry use the "default" entry.
type RuleTable struct {
	Departments map[string]Keywords
	Tiers       map[string]map[domain.Priority]Tier
}

const defaultDepartment = "default"

// NewRuleTable converts the classifier config. Keywords are lower-cased.
func NewRuleTable(cfg config.Classifier) RuleTable {
	rt := RuleTable{
		Departments: make(map[string]Keywords, len(cfg.Rules)),
		Tiers:       make(map[string]map[domain.Priority]Tier, len(cfg.Tiers)),
	}
	for dept, rules := range cfg.Rules {
		rt.Departments[strings.ToLower(dept)] = Keywords{High: lowerAll(rules.High), Medium: lowerAll(rules.Medium)}
	}
	for dept, tiers := range cfg.Tiers {
		byPriority := make(map[domain.Priority]Tier, len(tiers))
		for name, t := range tiers {
			p, ok := domain.ParsePriority(name)
			if !ok {
				continue
			}
			byPriority[p] = Tier{Explanation: t.Explanation, ImpactAssessment: t.ImpactAssessment, RecommendedResponseTime: t.RecommendedResponseTime}
		}
		rt.Tiers[strings.ToLower(dept)] = byPriority
	}
	return rt
}

// DefaultRuleTable is the table shipped in the default config.
func DefaultRuleTable() RuleTable {
	return NewRuleTable(config.Default().Classifier)
}

func (rt RuleTable) keywords(department string) Keywords {
	if kw, ok := rt.Departments[strings.ToLower(strings.TrimSpace(department))]; ok {
		return kw
	}
	return rt.Departments[defaultDepartment]
}

// tier returns the department's text for p, or the default department's.
func (rt RuleTable) tier(department string, p domain.Priority) Tier {
	if t, ok := rt.Tiers[strings.ToLower(strings.TrimSpace(department))][p]; ok {
		return t
	}
	return rt.Tiers[defaultDepartment][p]
}

// Local classifies by keyword match over the lower-cased title and description.
// High keywords win over medium ones; no match is Low.
func Local(rt RuleTable, in Input) Result {
	text := strings.ToLower(in.Title + " " + in.Description)
	kw := rt.keywords(in.Department)
	p := domain.PriorityLow
	switch {
	case containsAny(text, kw.High):
		p = domain.PriorityHigh
	case containsAny(text, kw.Medium):
		p = domain.PriorityMedium
	}
	tier := rt.tier(in.Department, p)
	return Result{
		Priority:                p,
		Explanation:             tier.Explanation,
		ImpactAssessment:        tier.ImpactAssessment,
		RecommendedResponseTime: tier.RecommendedResponseTime,
		Source:                  SourceLocal,
	}
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(text, k) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
