//go:build mage

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const binDir = "bin"

// ======================================
// SETUP
// ======================================

type Setup mg.Namespace

// Go checks the Go version and installs golangci-lint.
func (Setup) Go() error {
	fmt.Println("Setting up Go environment...")

	if err := goVersion(); err != nil {
		return err
	}

	if _, err := exec.LookPath("golangci-lint"); err != nil {
		fmt.Println("Installing golangci-lint...")
		if err := sh.RunV("go", "install", "github.com/golangci/golangci-lint/cmd/golangci-lint@latest"); err != nil {
			return err
		}
	}

	return nil
}

func goVersion() error {
	out, err := exec.Command("go", "version").Output()
	if err != nil {
		return err
	}

	required := struct {
		major int
		minor int
	}{
		major: 1,
		minor: 24,
	}

	re := regexp.MustCompile(`go version go([0-9]+)\.([0-9]+)`)
	matches := re.FindStringSubmatch(string(out))
	if len(matches) < 3 {
		return fmt.Errorf("failed to parse Go version from: %s", out)
	}

	major, _ := strconv.Atoi(matches[1])
	minor, _ := strconv.Atoi(matches[2])
	fmt.Printf("go version: %d.%d\n", major, minor)
	if major < required.major || (major == required.major && minor < required.minor) {
		return fmt.Errorf("go >= %d.%d required", required.major, required.minor)
	}

	return nil
}

// ======================================
// TESTING
// ======================================

type Test mg.Namespace

// All runs all tests in the project.
func (Test) All() error {
	fmt.Println("Running tests...")
	return sh.RunV("go", "test", "./...")
}

// Race runs all tests with the race detector.
func (Test) Race() error {
	fmt.Println("Running tests with the race detector...")
	return sh.RunV("go", "test", "-race", "./...")
}

// Coverage writes a coverage profile to bin/coverage.out.
func (Test) Coverage() error {
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return err
	}

	profile := filepath.Join(binDir, "coverage.out")
	fmt.Println("Running tests with coverage...")
	if err := sh.RunV("go", "test", "-coverprofile="+profile, "./..."); err != nil {
		return err
	}
	return sh.RunV("go", "tool", "cover", "-func="+profile)
}

// ======================================
// INTEROP
// ======================================

// Interop runs the end-to-end checks against an in-process echo server.
func Interop() error {
	fmt.Println("Running interop checks...")
	return sh.RunV("go", "run", "./cmd/moqquic", "interop")
}

// ======================================
// BUILD
// ======================================

type Build mg.Namespace

// All compiles every package.
func (Build) All() error {
	fmt.Println("Building project...")
	return sh.RunV("go", "build", "./...")
}

// CLI builds bin/moqquic.
func (Build) CLI() error {
	fmt.Println("Building moqquic...")
	return sh.RunV("go", "build", "-o", filepath.Join(binDir, "moqquic"), "./cmd/moqquic")
}

// CABI builds the C shared library and its header into bin/.
func (Build) CABI() error {
	fmt.Println("Building libmoqquic...")
	env := map[string]string{"CGO_ENABLED": "1"}
	return sh.RunWithV(env, "go", "build", "-buildmode=c-shared",
		"-o", filepath.Join(binDir, "libmoqquic"+sharedLibExt()), "./cmd/moqquic-cabi")
}

func sharedLibExt() string {
	goos := os.Getenv("GOOS")
	if goos == "" {
		goos = runtime.GOOS
	}

	switch goos {
	case "darwin":
		return ".dylib"
	case "windows":
		return ".dll"
	default:
		return ".so"
	}
}

// ======================================
// DEVELOPMENT UTILITIES
// ======================================

// Lint runs the linter (golangci-lint)
func Lint() error {
	fmt.Println("Running linter...")
	if _, err := exec.LookPath("golangci-lint"); err != nil {
		return fmt.Errorf("golangci-lint not found. Please install it first:\n  mage setup:go")
	}
	return sh.RunV("golangci-lint", "run")
}

// Fmt formats Go source code
func Fmt() error {
	fmt.Println("Formatting go code...")
	return sh.RunV("go", "fmt", "./...")
}

// Clean removes generated files
func Clean() error {
	fmt.Println("Cleaning up generated files...")
	return sh.Rm(binDir)
}

// Help displays available commands (default target)
func Help() {
	fmt.Println("Available Mage commands:")
	fmt.Println("  mage test:all       - Run all tests")
	fmt.Println("  mage test:race      - Run all tests with the race detector")
	fmt.Println("  mage test:coverage  - Write a coverage profile to bin/")
	fmt.Println("  mage interop        - Run the end-to-end echo checks")
	fmt.Println("  mage build:all      - Build every package")
	fmt.Println("  mage build:cli      - Build bin/moqquic")
	fmt.Println("  mage build:cabi     - Build the C shared library into bin/")
	fmt.Println("  mage lint           - Run golangci-lint")
	fmt.Println("  mage clean          - Remove bin/")
	fmt.Println("")
	fmt.Println("You can also run 'mage -l' to list all available targets.")
}

// Default target - displays help when no target is specified
var Default = Help
