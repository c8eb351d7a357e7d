//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// goV runs the go tool with its output on the terminal.
func goV(args ...string) error {
	return sh.RunV(mg.GoCmd(), args...)
}

func goTidy() error {
	if err := sh.Run(mg.GoCmd(), "mod", "tidy"); err != nil {
		return fmt.Errorf("failed to run go mod tidy: %w", err)
	}
	return nil
}
