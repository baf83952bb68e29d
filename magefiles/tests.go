//go:build mage

package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const testPostgres = "host=localhost port=5432 user=postgres password=psw dbname=postgres sslmode=disable"

var Gotestsum string

var LocalBin = filepath.Join(os.Getenv("PWD"), "/bin")

func makeLocalBin() error {
	if _, err := os.Stat(LocalBin); os.IsNotExist(err) {
		return os.MkdirAll(LocalBin, os.ModePerm)
	}
	return nil
}

// Gotestsum downloads gotestsum locally if necessary
func gotestsum() error {
	mg.Deps(makeLocalBin)
	Gotestsum = filepath.Join(LocalBin, "/gotestsum")

	if _, err := os.Stat(Gotestsum); os.IsNotExist(err) {
		fmt.Println(Gotestsum)
		cmd := exec.Command("go", "install", "gotest.tools/gotestsum@v1.8.2")
		cmd.Env = append(os.Environ(), "GOBIN="+LocalBin)
		return cmd.Run()
	}
	return nil
}

// Tests starts redis and postgres in docker and runs every test, including the database-backed ones.
func Tests() (err error) {
	mg.Deps(gotestsum)

	if err = dockerRun("run", "-d", "--name=redis", "-p=6379:6379", "redis:6.2.6"); err != nil {
		return err
	}
	if err = dockerRun("run", "-d", "--name=postgres", "-p", "5432:5432", "-e", "POSTGRES_PASSWORD=psw", "postgres:14.2"); err != nil {
		return err
	}
	defer func() {
		dockerErr := dockerRun("rm", "-f", "redis", "postgres")
		if dockerErr != nil {
			if err == nil {
				err = dockerErr
			} else {
				err = fmt.Errorf("%w; %s", err, dockerErr.Error())
			}
		}
	}()

	if err = sh.Run("sleep", "3"); err != nil {
		return err
	}
	os.Setenv("REPOINDEX_TEST_POSTGRES", testPostgres)
	defer os.Unsetenv("REPOINDEX_TEST_POSTGRES")
	return runTests()
}

// TestsNoSetup runs the tests without starting any containers; database-backed tests are skipped.
func TestsNoSetup() error {
	mg.Deps(gotestsum)
	return runTests()
}

func runTests() error {
	if err := os.MkdirAll("test_reports", os.ModePerm); err != nil {
		return err
	}
	if err := runtest("internal_coverage.xml", "internal.txt", false, "./internal/..."); err != nil {
		return err
	}
	return runtest("cmd_coverage.xml", "cmd.txt", false, "./cmd/...")
}

func runtest(coverageFileName, outputFileName string, appendOutput bool, directories ...string) error {
	args := []string{"--", "-v"}
	if coverageFileName != "" {
		args = append(args, "-coverprofile", filepath.Join("test_reports", coverageFileName))
	}
	args = append(args, directories...)

	cmd := exec.Command(Gotestsum, args...)

	fileFlags := os.O_WRONLY | os.O_CREATE
	if appendOutput {
		fileFlags |= os.O_APPEND
	} else {
		fileFlags |= os.O_TRUNC
	}

	file, err := os.OpenFile(filepath.Join("test_reports", outputFileName), fileFlags, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	cmd.Stdout = io.MultiWriter(os.Stdout, file)
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
