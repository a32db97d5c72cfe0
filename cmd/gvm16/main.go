// Command gvm16 is the collaborator contract spec.md §6 describes as
// external to the ISA/CPU/assembler core: a cobra-based dispatcher over the
// assemble/run/debug/trace pipeline, plus the file-slurping and
// human-facing dump/trace formatting the core itself never touches.
package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gvm16/asm"
	"gvm16/cpu"
	"gvm16/isa"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var strictSinglePass bool

	root := &cobra.Command{
		Use:   "gvm16",
		Short: "Assembler and CPU emulator for the gvm16 16-bit toy architecture",
	}

	assembleCmd := &cobra.Command{
		Use:   "assemble <in.asm> <out.bin>",
		Short: "Assemble a source file into a flat binary image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, err := assembleFile(args[0], strictSinglePass)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[1], prog.Bytes, 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", args[1], err)
			}
			fmt.Printf("assembled %d bytes, %d labels -> %s\n", len(prog.Bytes), len(prog.Labels), args[1])
			return nil
		},
	}
	assembleCmd.Flags().BoolVar(&strictSinglePass, "strict-single-pass", false,
		"preserve the original single-pass behavior (forward label references are a hard error)")

	runCmd := &cobra.Command{
		Use:   "run <in.bin>",
		Short: "Load a binary image at 0x0100 and run it to halt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			c := cpu.NewStd()
			return loadAndRun(c, image)
		},
	}

	debugCmd := &cobra.Command{
		Use:   "debug <in.bin>",
		Short: "Run a binary image, printing the register file before and after",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			c := cpu.NewStd()
			if err := c.LoadProgram(image, isa.ProgramBase); err != nil {
				return err
			}
			fmt.Println("initial state>")
			printRegisters(os.Stdout, c)
			runErr := c.Run()
			fmt.Println("final state>")
			printRegisters(os.Stdout, c)
			return runErr
		},
	}

	traceCmd := &cobra.Command{
		Use:   "trace <in.bin>",
		Short: "Single-step a binary image, printing one line per instruction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			c := cpu.NewStd()
			if err := c.LoadProgram(image, isa.ProgramBase); err != nil {
				return err
			}
			return traceRun(os.Stdout, c)
		},
	}

	asmRunCmd := &cobra.Command{
		Use:   "asm-run <in.asm>",
		Short: "Assemble then run a source file to halt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, err := assembleFile(args[0], strictSinglePass)
			if err != nil {
				return err
			}
			c := cpu.NewStd()
			return loadAndRun(c, prog.Bytes)
		},
	}

	asmDebugCmd := &cobra.Command{
		Use:   "asm-debug <in.asm>",
		Short: "Assemble then run a source file, printing the register file before and after",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, err := assembleFile(args[0], strictSinglePass)
			if err != nil {
				return err
			}
			c := cpu.NewStd()
			if err := c.LoadProgram(prog.Bytes, isa.ProgramBase); err != nil {
				return err
			}
			fmt.Println("initial state>")
			printRegisters(os.Stdout, c)
			runErr := c.Run()
			fmt.Println("final state>")
			printRegisters(os.Stdout, c)
			return runErr
		},
	}

	root.AddCommand(assembleCmd, runCmd, debugCmd, traceCmd, asmRunCmd, asmDebugCmd)
	return root
}

// assembleFile reads path and assembles it, printing any non-fatal
// truncation warnings to stderr before returning the resolved program.
func assembleFile(path string, strictSinglePass bool) (*asm.Program, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	prog, warnings, err := asm.Assemble(string(source), asm.Options{StrictSinglePass: strictSinglePass})
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w.Error())
	}
	if err != nil {
		return nil, err
	}
	return prog, nil
}

func loadAndRun(c *cpu.CPU, image []byte) error {
	if err := c.LoadProgram(image, isa.ProgramBase); err != nil {
		return err
	}
	return c.Run()
}

// printRegisters dumps the register file the way the teacher's
// PrintCurrentState does: one line, register-by-register.
func printRegisters(w *os.File, c *cpu.CPU) {
	fmt.Fprintf(w, "\tA=%04X B=%04X C=%04X D=%04X SP=%04X PC=%04X FLAGS=%02X CYC=%d\n",
		c.Reg(isa.RegA), c.Reg(isa.RegB), c.Reg(isa.RegC), c.Reg(isa.RegD),
		c.Reg(isa.RegSP), c.Reg(isa.RegPC), c.Flags(), c.Cycles())
}

// traceRun single-steps c to halt (or a fatal error), writing one
// "CYC=<n> PC=<hex4> A=<hex4> B=<hex4> C=<hex4> D=<hex4>" line per step,
// matching spec.md §6's trace format exactly.
func traceRun(w *os.File, c *cpu.CPU) error {
	buf := bufio.NewWriter(w)
	defer buf.Flush()

	for {
		result, err := c.Step()
		if result == cpu.StepAlreadyHalted {
			return nil
		}
		fmt.Fprintf(buf, "CYC=%d PC=%04X A=%04X B=%04X C=%04X D=%04X\n",
			c.Cycles(), c.Reg(isa.RegPC), c.Reg(isa.RegA), c.Reg(isa.RegB), c.Reg(isa.RegC), c.Reg(isa.RegD))
		if err != nil {
			return err
		}
	}
}
