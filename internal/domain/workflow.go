package domain

import "fmt"

// Artifacts are the named outputs a phase hands to its successors
type Artifacts struct {
	Branch   string `json:"branch,omitempty"`
	PlanFile string `json:"plan_file,omitempty"`
	PRURL    string `json:"pr_url,omitempty"`
	Summary  string `json:"summary,omitempty"`
}

// Merge returns a copy of a with every non-empty field of other laid over it
func (a Artifacts) Merge(other Artifacts) Artifacts {
	if other.Branch != "" {
		a.Branch = other.Branch
	}
	if other.PlanFile != "" {
		a.PlanFile = other.PlanFile
	}
	if other.PRURL != "" {
		a.PRURL = other.PRURL
	}
	if other.Summary != "" {
		a.Summary = other.Summary
	}
	return a
}

// IsZero reports whether no artifact field is set
func (a Artifacts) IsZero() bool {
	return a == Artifacts{}
}

// Reference picks the single most meaningful artifact produced by phase
func (a Artifacts) Reference(phase Phase) string {
	var candidates []string
	switch phase {
	case PhasePlan:
		candidates = []string{a.PlanFile, a.Branch}
	case PhaseBuild:
		candidates = []string{a.Branch, a.PRURL}
	default:
		candidates = []string{a.PRURL, a.Branch}
	}
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}

// PhaseTable maps each workflow type to its ordered phase list
type PhaseTable map[WorkflowType][]Phase

// DefaultPhaseTable is the built-in workflow type table
func DefaultPhaseTable() PhaseTable {
	return PhaseTable{
		WorkflowPlan:          {PhasePlan},
		WorkflowBuild:         {PhaseBuild},
		WorkflowTest:          {PhaseTest},
		WorkflowPlanBuild:     {PhasePlan, PhaseBuild},
		WorkflowPlanBuildTest: {PhasePlan, PhaseBuild, PhaseTest},
	}
}

// PhasesFor returns the ordered phases of t using the default table
func PhasesFor(t WorkflowType) []Phase {
	return DefaultPhaseTable().Phases(t)
}

// Phases returns a copy of the phase list for t, or nil if t is unknown
func (p PhaseTable) Phases(t WorkflowType) []Phase {
	phases, ok := p[t]
	if !ok {
		return nil
	}
	out := make([]Phase, len(phases))
	copy(out, phases)
	return out
}

// Index returns the position of phase within t's sequence, or -1
func (p PhaseTable) Index(t WorkflowType, phase Phase) int {
	for i, ph := range p[t] {
		if ph == phase {
			return i
		}
	}
	return -1
}

// Validate checks that every entry names known phases without repeats
func (p PhaseTable) Validate() error {
	for t, phases := range p {
		if len(phases) == 0 {
			return fmt.Errorf("workflow %s has no phases", t)
		}
		seen := make(map[Phase]bool, len(phases))
		for _, ph := range phases {
			if _, err := ParsePhase(string(ph)); err != nil {
				return fmt.Errorf("workflow %s: %w", t, err)
			}
			if seen[ph] {
				return fmt.Errorf("workflow %s repeats phase %s", t, ph)
			}
			seen[ph] = true
		}
	}
	return nil
}
