//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Tidies the module and builds the testbed binary into bin/.
func (Build) Binary() error {
	mg.Deps(Build.Deps)
	return goV("build", "-o", "bin/descache", ".")
}

// Runs go mod tidy.
func (Build) Deps() error {
	return goTidy()
}
