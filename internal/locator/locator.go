// Package locator finds the sidecar executable that runs inside a PTY session.
//
// Candidates are checked in a fixed order so that a bundled copy wins over a
// copy next to the running executable, which wins over the development tree:
//
//	<resource dir>/bin/<name>, <resource dir>/bin/<name>-<triple>
//	<exe dir>/bin/<name>,      <exe dir>/bin/<name>-<triple>
//	<dev root>/bin/<name>,     <dev root>/bin/<name>-<triple>
package locator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BuildRoot is the development tree root, set at build time with
// -ldflags "-X github.com/peterje/popper/internal/locator.BuildRoot=...".
var BuildRoot string

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("sidecar not found")

// NotFoundError lists every path that was tried.
type NotFoundError struct {
	Program string
	Tried   []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s sidecar not found. Tried: %s", e.Program, strings.Join(e.Tried, ", "))
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// Locator resolves a logical program name to an executable path.
type Locator struct {
	ResourceDir   string
	ExecutableDir string
	DevRoot       string
	Triple        string

	// stat is replaced in tests.
	stat func(string) (os.FileInfo, error)
}

// New builds a Locator. An empty devRoot falls back to BuildRoot, and the
// executable directory is taken from os.Executable.
func New(resourceDir, devRoot, triple string) *Locator {
	if devRoot == "" {
		devRoot = BuildRoot
	}
	var exeDir string
	if exe, err := os.Executable(); err == nil {
		exeDir = filepath.Dir(exe)
	}
	return &Locator{
		ResourceDir:   resourceDir,
		ExecutableDir: exeDir,
		DevRoot:       devRoot,
		Triple:        triple,
	}
}

// TripleFromEnv returns the platform triple from TAURI_ENV_TARGET_TRIPLE,
// falling back to TARGET.
func TripleFromEnv() string {
	if t, ok := os.LookupEnv("TAURI_ENV_TARGET_TRIPLE"); ok && t != "" {
		return t
	}
	return os.Getenv("TARGET")
}

// names returns the generic name followed by the triple-qualified one.
func (l *Locator) names(program string) []string {
	names := []string{program}
	if l.Triple != "" {
		names = append(names, program+"-"+l.Triple)
	}
	return names
}

// Candidates returns the ordered list of paths Resolve checks.
func (l *Locator) Candidates(program string) []string {
	var out []string
	for _, base := range []string{l.ResourceDir, l.ExecutableDir, l.DevRoot} {
		if base == "" {
			continue
		}
		for _, name := range l.names(program) {
			out = append(out, filepath.Join(base, "bin", name))
		}
	}
	return out
}

// Resolve returns the first candidate that exists as a regular file.
func (l *Locator) Resolve(program string) (string, error) {
	stat := l.stat
	if stat == nil {
		stat = os.Stat
	}

	candidates := l.Candidates(program)
	for _, cand := range candidates {
		info, err := stat(cand)
		if err != nil || info.IsDir() {
			continue
		}
		return cand, nil
	}
	return "", &NotFoundError{Program: program, Tried: candidates}
}
