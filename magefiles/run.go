//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the testbed with descache.toml from the repository root when present.
func (Run) Testbed() error {
	fmt.Println("Run testbed...")
	return goV("run", ".")
}

// Prints the effective configuration.
func (Run) Config() error {
	return goV("run", ".", "config")
}
