// Command repcrec replays a replicated-concurrency-control instruction
// script and logs the resulting transaction outcomes (spec.md §6.2).
//
// Usage:
//
//	repcrec script.txt
//	repcrec < script.txt
package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ksakai/repcrec/engine"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	e := engine.New(log)

	paths := os.Args[1:]
	if len(paths) == 0 {
		if err := e.Run(os.Stdin); err != nil {
			log.Fatalf("repcrec: %v", err)
		}
		return
	}
	for _, path := range paths {
		if err := runFile(e, path); err != nil {
			log.Fatalf("repcrec: %v", err)
		}
	}
}

func runFile(e *engine.Engine, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return e.Run(f)
}
