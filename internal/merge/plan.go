package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Side names one of the two trees of a plan.
type Side string

const (
	Base  Side = "base"
	Other Side = "other"
)

// Valid reports whether s is base or other.
func (s Side) Valid() bool {
	return s == Base || s == Other
}

// Operator is the closed set of planned filesystem actions.
type Operator string

const (
	OpCopy   Operator = "cp"
	OpTouch  Operator = "touch"
	OpRemove Operator = "rm"
)

// ErrUnknownOperator is returned for an operator outside cp, touch and rm.
var ErrUnknownOperator = errors.New("unrecognized operator")

// UnmarshalJSON rejects operators outside the known set.
func (o *Operator) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	op := Operator(s)
	if err := op.validate(); err != nil {
		return err
	}
	*o = op
	return nil
}

func (o Operator) validate() error {
	switch o {
	case OpCopy, OpTouch, OpRemove:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperator, string(o))
	}
}

// Arity is the number of operands the operator takes.
func (o Operator) Arity() int {
	if o == OpRemove {
		return 1
	}
	return 2
}

// Operand addresses a file by side and relative path.
type Operand struct {
	Tree         Side   `json:"tree"`
	RelativePath string `json:"relativePath"`
}

func (o Operand) String() string {
	return string(o.Tree) + ":" + o.RelativePath
}

// Operation is one planned action. For cp and touch Operands[0] is the
// source and Operands[1] the destination; rm has a single operand.
type Operation struct {
	Operator Operator  `json:"operator"`
	Operands []Operand `json:"operands"`
}

// Copy copies content and timestamps from src to dst.
func Copy(src, dst Operand) Operation {
	return Operation{Operator: OpCopy, Operands: []Operand{src, dst}}
}

// Touch copies timestamps only from src to dst.
func Touch(src, dst Operand) Operation {
	return Operation{Operator: OpTouch, Operands: []Operand{src, dst}}
}

// Remove deletes target.
func Remove(target Operand) Operation {
	return Operation{Operator: OpRemove, Operands: []Operand{target}}
}

// Validate checks operator, operand count, sides and paths.
func (op Operation) Validate() error {
	if err := op.Operator.validate(); err != nil {
		return err
	}
	if len(op.Operands) != op.Operator.Arity() {
		return fmt.Errorf("%s takes %d operands, got %d", op.Operator, op.Operator.Arity(), len(op.Operands))
	}
	for _, operand := range op.Operands {
		if !operand.Tree.Valid() {
			return fmt.Errorf("invalid tree %q in %s operand", operand.Tree, op.Operator)
		}
		if operand.RelativePath == "" {
			return fmt.Errorf("empty relative path in %s operand", op.Operator)
		}
	}
	return nil
}

func (op Operation) String() string {
	if len(op.Operands) == 2 {
		return fmt.Sprintf("%s %s -> %s", op.Operator, op.Operands[0], op.Operands[1])
	}
	if len(op.Operands) == 1 {
		return fmt.Sprintf("%s %s", op.Operator, op.Operands[0])
	}
	return string(op.Operator)
}

// Plan is a merge file: the branch tokens of both sides and the operations
// that bring them together.
type Plan struct {
	BaseBranch  string      `json:"baseBranch"`
	OtherBranch string      `json:"otherBranch"`
	Operations  []Operation `json:"operations"`
}

// Validate checks every operation.
func (p *Plan) Validate() error {
	if p.BaseBranch == "" || p.OtherBranch == "" {
		return fmt.Errorf("plan is missing a branch")
	}
	for i, op := range p.Operations {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

// Stats counts operations per operator.
type Stats struct {
	Copy   int
	Touch  int
	Remove int
}

// Stats counts the plan's operations.
func (p *Plan) Stats() Stats {
	var s Stats
	for _, op := range p.Operations {
		switch op.Operator {
		case OpCopy:
			s.Copy++
		case OpTouch:
			s.Touch++
		case OpRemove:
			s.Remove++
		}
	}
	return s
}

// LoadPlan reads and validates a merge file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse merge file %s: %w", path, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid merge file %s: %w", path, err)
	}

	return &plan, nil
}

// SavePlan writes a merge file.
func SavePlan(path string, plan *Plan) error {
	if plan.Operations == nil {
		plan.Operations = []Operation{}
	}

	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
