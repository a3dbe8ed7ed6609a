// Package parser tokenizes the instruction-stream grammar of spec.md
// §6.1: begin/beginRO/R/W/end/fail/recover/dump, one instruction per
// line, blank lines and #/// comments ignored.
package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ksakai/repcrec/model"
)

// ErrBlank marks a line that carries no instruction (blank, or a comment)
// and should simply be skipped by the caller.
var ErrBlank = errors.New("parser: blank or comment line")

// ErrSyntax wraps every malformed-line error returned by Line.
var ErrSyntax = errors.New("parser: malformed instruction")

// Line parses a single line of the instruction stream. Callers should
// treat errors.Is(err, ErrBlank) as "skip, don't log" and any other
// error as a reportable syntax error (spec.md §7).
func Line(raw string) (model.Instruction, error) {
	line := stripComment(raw)
	line = strings.TrimSpace(line)
	if line == "" {
		return model.Instruction{}, ErrBlank
	}

	open := strings.IndexByte(line, '(')
	if open < 0 {
		return bareInstruction(line)
	}
	if !strings.HasSuffix(line, ")") {
		return model.Instruction{}, fmt.Errorf("%w: %q: missing closing paren", ErrSyntax, raw)
	}
	verb := line[:open]
	args := splitArgs(line[open+1 : len(line)-1])

	switch verb {
	case "begin":
		return instrWithTx(model.InstrBegin, args, raw)
	case "beginRO":
		return instrWithTx(model.InstrBeginRO, args, raw)
	case "end":
		return instrWithTx(model.InstrEnd, args, raw)
	case "R":
		return readInstr(args, raw)
	case "W":
		return writeInstr(args, raw)
	case "fail":
		return siteInstr(model.InstrFail, args, raw)
	case "recover":
		return siteInstr(model.InstrRecover, args, raw)
	default:
		return model.Instruction{}, fmt.Errorf("%w: %q: unknown instruction %q", ErrSyntax, raw, verb)
	}
}

func bareInstruction(verb string) (model.Instruction, error) {
	if verb == "dump" {
		return model.Instruction{Op: model.InstrDump}, nil
	}
	return model.Instruction{}, fmt.Errorf("%w: %q: unknown instruction", ErrSyntax, verb)
}

func instrWithTx(op model.InstrKind, args []string, raw string) (model.Instruction, error) {
	if len(args) != 1 {
		return model.Instruction{}, fmt.Errorf("%w: %q: expected one transaction argument", ErrSyntax, raw)
	}
	return model.Instruction{Op: op, Tx: model.TransactionID(args[0])}, nil
}

func readInstr(args []string, raw string) (model.Instruction, error) {
	if len(args) != 2 {
		return model.Instruction{}, fmt.Errorf("%w: %q: R expects (transaction, variable)", ErrSyntax, raw)
	}
	return model.Instruction{Op: model.InstrRead, Tx: model.TransactionID(args[0]), Var: model.VariableID(args[1])}, nil
}

func writeInstr(args []string, raw string) (model.Instruction, error) {
	if len(args) != 3 {
		return model.Instruction{}, fmt.Errorf("%w: %q: W expects (transaction, variable, value)", ErrSyntax, raw)
	}
	val, err := strconv.Atoi(strings.TrimSpace(args[2]))
	if err != nil {
		return model.Instruction{}, fmt.Errorf("%w: %q: bad value %q", ErrSyntax, raw, args[2])
	}
	return model.Instruction{Op: model.InstrWrite, Tx: model.TransactionID(args[0]), Var: model.VariableID(args[1]), Value: val}, nil
}

func siteInstr(op model.InstrKind, args []string, raw string) (model.Instruction, error) {
	if len(args) != 1 {
		return model.Instruction{}, fmt.Errorf("%w: %q: expected one site argument", ErrSyntax, raw)
	}
	n, err := strconv.Atoi(strings.TrimSpace(args[0]))
	if err != nil {
		return model.Instruction{}, fmt.Errorf("%w: %q: bad site id %q", ErrSyntax, raw, args[0])
	}
	return model.Instruction{Op: op, Site: model.SiteID(n)}, nil
}

func splitArgs(s string) []string {
	raw := strings.Split(s, ",")
	out := make([]string, len(raw))
	for i, a := range raw {
		out[i] = strings.TrimSpace(a)
	}
	return out
}

// stripComment drops anything from the first "#" or "//" onward.
func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	if i := strings.Index(line, "//"); i >= 0 {
		line = line[:i]
	}
	return line
}
