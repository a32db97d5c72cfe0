package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

// captureStdout redirects os.Stdout for the duration of fn and returns
// whatever was written to it. The CLI's dump/trace helpers write straight to
// os.Stdout (mirroring the teacher's PrintCurrentState), so tests exercise
// them the same way a shell would capture output.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	assert(t, err == nil, "os.Pipe: %v", err)
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	w.Close()
	out, err := io.ReadAll(r)
	assert(t, err == nil, "ReadAll: %v", err)
	return string(out)
}

func writeTemp(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	assert(t, os.WriteFile(path, []byte(contents), 0o644) == nil, "WriteFile failed")
	return path
}

func TestAsmRunHelloScenario(t *testing.T) {
	src := writeTemp(t, "hello.asm", "LOAD A,72\nOUT 0xFF00,A\nHLT\n")
	out := captureStdout(t, func() {
		root := newRootCmd()
		root.SetArgs([]string{"asm-run", src})
		assert(t, root.Execute() == nil, "asm-run failed")
	})
	assert(t, out == "H", "stdout = %q, want %q", out, "H")
}

func TestAssembleThenRunRoundTrip(t *testing.T) {
	src := writeTemp(t, "loop.asm", strings.Join([]string{
		"LOAD A,0", "LOAD B,5",
		"L: ADDI A,48", "OUT 0xFF00,A", "SUBI A,48", "ADDI A,1",
		"CMP A,B", "JNZ L", "HLT",
	}, "\n"))
	bin := filepath.Join(t.TempDir(), "loop.bin")

	_ = captureStdout(t, func() {
		root := newRootCmd()
		root.SetArgs([]string{"assemble", src, bin})
		assert(t, root.Execute() == nil, "assemble failed")
	})

	info, err := os.Stat(bin)
	assert(t, err == nil && info.Size() > 0, "expected a non-empty binary image")

	out := captureStdout(t, func() {
		root := newRootCmd()
		root.SetArgs([]string{"run", bin})
		assert(t, root.Execute() == nil, "run failed")
	})
	assert(t, out == "01234", "stdout = %q, want %q", out, "01234")
}

func TestTraceEmitsOneLinePerStep(t *testing.T) {
	src := writeTemp(t, "hello.asm", "LOAD A,72\nOUT 0xFF00,A\nHLT\n")
	bin := filepath.Join(t.TempDir(), "hello.bin")
	_ = captureStdout(t, func() {
		root := newRootCmd()
		root.SetArgs([]string{"assemble", src, bin})
		assert(t, root.Execute() == nil, "assemble failed")
	})

	out := captureStdout(t, func() {
		root := newRootCmd()
		root.SetArgs([]string{"trace", bin})
		assert(t, root.Execute() == nil, "trace failed")
	})

	// The program's OUT writes 'H' straight to stdout, while traceRun buffers
	// its own lines until it returns, so the 'H' precedes every trace line.
	assert(t, strings.HasPrefix(out, "H"), "stdout %q should start with the program's output %q", out, "H")
	out = strings.TrimPrefix(out, "H")

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert(t, len(lines) == 3, "expected 3 trace lines (LOAD, OUT, HLT), got %d", len(lines))
	for _, line := range lines {
		assert(t, strings.HasPrefix(line, "CYC="), "line %q missing CYC= prefix", line)
		assert(t, strings.Contains(line, "PC="), "line %q missing PC=", line)
	}
}

func TestRunReportsDivideByZero(t *testing.T) {
	src := writeTemp(t, "div0.asm", "LOAD A,10\nLOAD B,0\nDIV A,B\nHLT\n")
	out := captureStdout(t, func() {
		root := newRootCmd()
		root.SetArgs([]string{"asm-run", src})
		err := root.Execute()
		assert(t, err != nil, "expected divide-by-zero to surface as a run error")
	})
	assert(t, out == "", "expected no stdout before the fault, got %q", out)
}

func TestForwardReferenceUndefinedLabelIsReportedOnAssemble(t *testing.T) {
	src := writeTemp(t, "bad.asm", "JMP NOWHERE\nHLT\n")
	bin := filepath.Join(t.TempDir(), "bad.bin")
	root := newRootCmd()
	root.SetArgs([]string{"assemble", src, bin})
	err := root.Execute()
	assert(t, err != nil, "expected assemble to fail on an undefined label")
}
