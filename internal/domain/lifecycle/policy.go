package lifecycle

// Rule is the policy's verdict on a from/to pair.
type Rule struct {
	Allowed        bool `json:"allowed"`
	ReasonRequired bool `json:"reason_required"`
}

type edge struct {
	from, to Status
}

// defaultRules maps every permitted transition to whether it needs a reason.
// Pairs not listed, including every move back to new, are rejected.
var defaultRules = map[edge]bool{
	{StatusNew, StatusActive}:          false,
	{StatusNew, StatusInactive}:        true,
	{StatusActive, StatusOnHold}:       true,
	{StatusActive, StatusDischarged}:   true,
	{StatusActive, StatusInactive}:     true,
	{StatusOnHold, StatusActive}:       false,
	{StatusOnHold, StatusDischarged}:   true,
	{StatusOnHold, StatusInactive}:     true,
	{StatusDischarged, StatusActive}:   true,
	{StatusDischarged, StatusInactive}: false,
	{StatusInactive, StatusActive}:     true,
}

// Policy is the closed transition table. It is immutable and safe for
// concurrent use.
type Policy struct {
	rules map[edge]bool
}

func NewPolicy() *Policy {
	return &Policy{rules: defaultRules}
}

// Validate looks up from -> to. It has no side effects.
func (p *Policy) Validate(from, to Status) Rule {
	reason, ok := p.rules[edge{from, to}]
	if !ok {
		return Rule{}
	}
	return Rule{Allowed: true, ReasonRequired: reason}
}

// AllowedTargets lists the statuses reachable from from, in declaration order.
func (p *Policy) AllowedTargets(from Status) []Target {
	targets := make([]Target, 0, 3)
	for _, to := range AllStatuses {
		if r := p.Validate(from, to); r.Allowed {
			targets = append(targets, Target{Status: to, ReasonRequired: r.ReasonRequired})
		}
	}
	return targets
}
