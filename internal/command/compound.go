package command

import (
	"fmt"
	"strings"
)

// Phase selects one of a compound's command lists.
type Phase int

const (
	// PhaseMain runs inside the compound's transaction.
	PhaseMain Phase = iota
	// PhasePostCommit runs in order after the main phase committed.
	PhasePostCommit
	// PhasePostError runs after the main phase failed, each command on its own.
	PhasePostError

	numPhases
)

func (p Phase) String() string {
	switch p {
	case PhaseMain:
		return "main"
	case PhasePostCommit:
		return "post-commit"
	case PhasePostError:
		return "post-error"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Phases lists every phase in execution order.
func Phases() []Phase {
	return []Phase{PhaseMain, PhasePostCommit, PhasePostError}
}

// Compound is an ordered list of commands with optional follow-up lists.
// It is immutable once built.
type Compound struct {
	phases [numPhases][]Command
}

// NewCompound returns a compound whose main phase is cmds.
func NewCompound(cmds ...Command) *Compound {
	c := &Compound{}
	c.phases[PhaseMain] = append([]Command(nil), cmds...)
	return c
}

// With returns a copy of c with cmds appended to phase p.
func (c *Compound) With(p Phase, cmds ...Command) *Compound {
	out := &Compound{}
	for i := range c.phases {
		out.phases[i] = append([]Command(nil), c.phases[i]...)
	}
	out.phases[p] = append(out.phases[p], cmds...)
	return out
}

// Phase returns the commands of phase p. The slice must not be modified.
func (c *Compound) Phase(p Phase) []Command {
	return c.phases[p]
}

func (c *Compound) Kind() Kind { return KindCompound }

// Requirement is the strictest requirement of the main phase.
func (c *Compound) Requirement() TxRequirement {
	req := TxNone
	for _, cmd := range c.phases[PhaseMain] {
		if r := cmd.Requirement(); r > req {
			req = r
		}
	}
	return req
}

func (c *Compound) accept(v Visitor) (any, error) { return v.Compound(c) }

func (c *Compound) String() string {
	var b strings.Builder
	b.WriteString("compound{")
	for i, p := range Phases() {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(p.String())
		b.WriteString(":[")
		for j, cmd := range c.phases[p] {
			if j > 0 {
				b.WriteString(",")
			}
			b.WriteString(cmd.Kind().String())
		}
		b.WriteString("]")
	}
	b.WriteString("}")
	return b.String()
}
