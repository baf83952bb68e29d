//go:build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
	"github.com/pkg/errors"
)

const binaryDir = "bin"

// Check dependent tools are present and the correct version.
func CheckDeps() error {
	checks := []struct {
		name  string
		check func() error
	}{
		{"docker", dockerCheck},
		{"golangci-lint", golangciLintCheck},
	}
	failures := false
	for _, check := range checks {
		fmt.Printf("Checking %s... ", check.name)
		if err := check.check(); err != nil {
			fmt.Printf("FAILED\nReason: %v\n", err)
			failures = true
		} else {
			fmt.Println("PASSED")
		}
	}
	if failures {
		return errors.New("check(s) failed.")
	}
	return nil
}

// Build compiles the repoindex binary into ./bin.
func Build() error {
	if err := os.MkdirAll(binaryDir, os.ModePerm); err != nil {
		return err
	}
	return sh.RunWith(
		map[string]string{"CGO_ENABLED": "0"},
		"go", "build", "-o", binaryWithExt(binaryDir+"/repoindex"), "./cmd/repoindex",
	)
}

// Migrate applies the index schema using the default configuration.
func Migrate() error {
	mg.Deps(Build)
	return sh.RunV(binaryWithExt(binaryDir+"/repoindex"), "migrateDatabase")
}

// Clean removes build output and test reports.
func Clean() {
	fmt.Println("Cleaning...")
	for _, path := range []string{binaryDir, "test_reports"} {
		os.RemoveAll(path)
	}
}
