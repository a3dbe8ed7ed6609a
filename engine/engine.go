// Package engine drives the coordinator from an instruction stream: read
// a line, parse it, hand it to the coordinator, repeat (spec.md §2, §6.2).
package engine

import (
	"bufio"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/ksakai/repcrec/coordinator"
	"github.com/ksakai/repcrec/parser"
)

// Engine owns a coordinator and a logger and replays an instruction
// stream against them.
type Engine struct {
	Coordinator *coordinator.Coordinator
	log         *logrus.Logger
}

// New builds an engine around a fresh coordinator.
func New(log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		Coordinator: coordinator.New(log),
		log:         log,
	}
}

// Run reads newline-delimited instructions from r until EOF, applying
// each to the coordinator in order. A line that fails to parse is logged
// as a warning and skipped; it does not advance the logical clock,
// mirroring the "malformed input is ignored, not fatal" rule of spec.md
// §7.
func (e *Engine) Run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		in, err := parser.Line(line)
		if err != nil {
			if errors.Is(err, parser.ErrBlank) {
				continue
			}
			e.log.Warnf("skipping unparseable line %q: %v", line, err)
			continue
		}
		if err := e.Coordinator.Instruction(in); err != nil {
			e.log.Warnf("instruction %q rejected: %v", line, err)
		}
	}
	return scanner.Err()
}
