//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Test mg.Namespace

// Runs every package test.
func (Test) Unit() error {
	return goV("test", "./...")
}

// Runs the tests under the race detector.
func (Test) Race() error {
	return goV("test", "-race", "-count=1", "./...")
}

// Runs go vet.
func (Test) Vet() error {
	return goV("vet", "./...")
}
