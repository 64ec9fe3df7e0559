package domain

import "strings"

// Department is the target domain of a task. Executors report it as free text;
// it is always normalised through ParseDepartment before use.
type Department string

const (
	DeptPlanning    Department = "planning"
	DeptDesign      Department = "design"
	DeptDevelopment Department = "development"
	DeptQA          Department = "qa"
	DeptMarketing   Department = "marketing"
)

// DefaultDepartment is used when the executor names a department we do not know
const DefaultDepartment = DeptDevelopment

// departmentAliases is the fallback mapping table. Keys are lower-case with
// any trailing "팀"/"team" already stripped.
var departmentAliases = map[string]Department{
	"planning":    DeptPlanning,
	"plan":        DeptPlanning,
	"pm":          DeptPlanning,
	"product":     DeptPlanning,
	"기획":          DeptPlanning,
	"design":      DeptDesign,
	"ui":          DeptDesign,
	"ux":          DeptDesign,
	"디자인":         DeptDesign,
	"development": DeptDevelopment,
	"dev":         DeptDevelopment,
	"engineering": DeptDevelopment,
	"backend":     DeptDevelopment,
	"frontend":    DeptDevelopment,
	"개발":          DeptDevelopment,
	"qa":          DeptQA,
	"test":        DeptQA,
	"testing":     DeptQA,
	"quality":     DeptQA,
	"marketing":   DeptMarketing,
	"growth":      DeptMarketing,
	"마케팅":         DeptMarketing,
}

// ParseDepartment normalises free text to a Department. The second return
// value is false when the fallback default was used.
func ParseDepartment(s string) (Department, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.TrimSuffix(key, "팀")
	key = strings.TrimSuffix(key, " team")
	key = strings.TrimSpace(key)
	if d, ok := departmentAliases[key]; ok {
		return d, true
	}
	return DefaultDepartment, false
}

// Departments lists all known departments in display order
func Departments() []Department {
	return []Department{DeptPlanning, DeptDesign, DeptDevelopment, DeptQA, DeptMarketing}
}

// Priority represents task priority
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ParsePriority normalises free text to a Priority; unknown values map to normal.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "urgent", "critical", "p0", "p1", "높음":
		return PriorityHigh, true
	case "normal", "medium", "p2", "", "보통":
		return PriorityNormal, true
	case "low", "p3", "낮음":
		return PriorityLow, true
	default:
		return PriorityNormal, false
	}
}

// Rank orders priorities for scheduling (high first)
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}
