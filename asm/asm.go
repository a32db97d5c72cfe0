// Package asm translates assembly source text into the flat binary image
// the CPU loads at 0x0100. It owns the label table and the output byte
// buffer; it holds no other state across calls to Assemble.
package asm

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"gvm16/isa"
)

const (
	maxOutputSize   = isa.MemSize
	maxLabels       = 256
	maxLabelNameLen = 63
)

// ErrorKind classifies an assembler diagnostic, matching the taxonomy the
// assembler reports on (unknown instruction, invalid register, and so on).
// Truncation is the one non-fatal kind: it is only ever appended to
// Warnings, never returned as the aborting error.
type ErrorKind int

const (
	UnknownInstruction ErrorKind = iota
	InvalidRegister
	InvalidNumber
	MalformedMemoryOperand
	UndefinedLabel
	DuplicateLabel
	LabelTableFull
	BadSTOREShape
	Truncation
)

func (k ErrorKind) String() string {
	switch k {
	case UnknownInstruction:
		return "unknown instruction"
	case InvalidRegister:
		return "invalid register"
	case InvalidNumber:
		return "invalid number"
	case MalformedMemoryOperand:
		return "malformed memory operand"
	case UndefinedLabel:
		return "undefined label"
	case DuplicateLabel:
		return "duplicate label"
	case LabelTableFull:
		return "label table full"
	case BadSTOREShape:
		return "bad STORE shape"
	case Truncation:
		return "truncation"
	default:
		return "unknown error"
	}
}

// Diagnostic is one assembler message, tied to the 1-based source line it
// came from. A Diagnostic returned as the error from Assemble is fatal; one
// appended to Warnings is advisory only.
type Diagnostic struct {
	Line    int
	Kind    ErrorKind
	Message string
}

func (d *Diagnostic) Error() string {
	return fmt.Sprintf("line %d: %s: %s", d.Line, d.Kind, d.Message)
}

// Options configures one call to Assemble.
type Options struct {
	// StrictSinglePass reproduces the original forward-reference-is-an-error
	// behavior: labels resolve only against what has already been assembled.
	// Default (false) is the two-pass scheme that allows forward references.
	StrictSinglePass bool
}

// Program is the result of a successful assembly: the flat byte image ready
// to load at isa.ProgramBase, and the resolved label table.
type Program struct {
	Bytes  []byte
	Labels map[string]uint16
}

// Assembler accumulates output and label state across one assembly run. The
// zero value is not ready to use; construct with New.
type Assembler struct {
	output      []byte
	labels      map[string]uint16
	currentLine int
	hasErrors   bool
	pass        int
	truncated   bool

	Warnings []Diagnostic
}

// New returns a ready-to-use Assembler with an empty label table.
func New() *Assembler {
	return &Assembler{labels: make(map[string]uint16)}
}

// HasErrors reports whether assembly aborted on a fatal diagnostic.
func (a *Assembler) HasErrors() bool { return a.hasErrors }

// Assemble translates source into a Program. On the first fatal diagnostic
// it aborts and returns that diagnostic as the error; there is no error
// recovery, matching the sticky has_errors behavior of the original.
func Assemble(source string, opts Options) (*Program, []Diagnostic, error) {
	a := New()
	lines := preprocessSource(source)

	if opts.StrictSinglePass {
		return a.assembleSinglePass(lines)
	}
	return a.assembleTwoPass(lines)
}

type parsedLine struct {
	num      int
	label    string
	hasLabel bool
	mnemonic string
	arg1     string
	arg2     string
}

func preprocessSource(source string) []parsedLine {
	raw := strings.Split(source, "\n")
	lines := make([]parsedLine, 0, len(raw))

	for i, text := range raw {
		lineNum := i + 1

		line := strings.TrimRight(text, "\r\n")
		line = strings.TrimSpace(line)
		if idx := strings.IndexAny(line, ";#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var label string
		hasLabel := false
		if idx := strings.Index(line, ":"); idx >= 0 {
			label = strings.ToUpper(strings.TrimSpace(line[:idx]))
			hasLabel = true
			line = strings.TrimSpace(line[idx+1:])
		}

		if line == "" {
			lines = append(lines, parsedLine{num: lineNum, label: label, hasLabel: hasLabel})
			continue
		}

		mnemonic, argStr := splitMnemonic(line)
		arg1, arg2 := splitArgs(argStr)
		lines = append(lines, parsedLine{
			num:      lineNum,
			label:    label,
			hasLabel: hasLabel,
			mnemonic: strings.ToUpper(mnemonic),
			arg1:     foldArg(arg1),
			arg2:     foldArg(arg2),
		})
	}

	return lines
}

func splitMnemonic(rest string) (mnemonic, argStr string) {
	idx := strings.IndexFunc(rest, unicode.IsSpace)
	if idx < 0 {
		return rest, ""
	}
	return rest[:idx], strings.TrimSpace(rest[idx+1:])
}

func splitArgs(argStr string) (arg1, arg2 string) {
	if argStr == "" {
		return "", ""
	}
	idx := strings.Index(argStr, ",")
	if idx < 0 {
		return strings.TrimSpace(argStr), ""
	}
	return strings.TrimSpace(argStr[:idx]), strings.TrimSpace(argStr[idx+1:])
}

// foldArg case-folds an argument to upper case unless it looks like a
// numeric literal or a bracketed memory reference, preserving both.
func foldArg(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= '0' && s[0] <= '9' {
		return s
	}
	if s[0] == '[' {
		return s
	}
	return strings.ToUpper(s)
}

func (a *Assembler) errorf(kind ErrorKind, format string, args ...any) *Diagnostic {
	return &Diagnostic{Line: a.currentLine, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (a *Assembler) warnf(kind ErrorKind, format string, args ...any) {
	a.Warnings = append(a.Warnings, Diagnostic{Line: a.currentLine, Kind: kind, Message: fmt.Sprintf(format, args...)})
}

func (a *Assembler) defineLabel(name string, addr uint16) *Diagnostic {
	if len(name) > maxLabelNameLen {
		return a.errorf(LabelTableFull, "label name %q exceeds %d characters", name, maxLabelNameLen)
	}
	if _, exists := a.labels[name]; exists {
		return a.errorf(DuplicateLabel, "duplicate label %q", name)
	}
	if len(a.labels) >= maxLabels {
		return a.errorf(LabelTableFull, "label table full (max %d labels)", maxLabels)
	}
	a.labels[name] = addr
	return nil
}

// assembleTwoPass sizes every instruction and records every label address
// before emitting a single byte, so a jump can legally target a label
// defined later in the source (spec.md §9 REDESIGN FLAGS).
func (a *Assembler) assembleTwoPass(lines []parsedLine) (*Program, []Diagnostic, error) {
	a.pass = 1
	if diag := a.sizeAndCollectLabels(lines); diag != nil {
		a.hasErrors = true
		return nil, a.Warnings, diag
	}

	a.pass = 2
	for _, ln := range lines {
		a.currentLine = ln.num
		if ln.mnemonic == "" {
			continue
		}
		instr, diag := a.assembleLine(ln.mnemonic, ln.arg1, ln.arg2)
		if diag != nil {
			a.hasErrors = true
			return nil, a.Warnings, diag
		}
		a.emit(instr)
	}

	return &Program{Bytes: a.output, Labels: a.labels}, a.Warnings, nil
}

func (a *Assembler) sizeAndCollectLabels(lines []parsedLine) *Diagnostic {
	offset := 0
	for _, ln := range lines {
		a.currentLine = ln.num
		if ln.hasLabel {
			if diag := a.defineLabel(ln.label, uint16(isa.ProgramBase+offset)); diag != nil {
				return diag
			}
		}
		if ln.mnemonic == "" {
			continue
		}
		op, ok := isa.MnemonicToOp(ln.mnemonic)
		if !ok {
			return a.errorf(UnknownInstruction, "unknown instruction %q", ln.mnemonic)
		}
		offset += 1 + op.OperandBytes()
	}
	return nil
}

// assembleSinglePass preserves the original bug-for-bug behavior: the label
// table is built incrementally as lines emit, so a forward jump reference
// is an UndefinedLabel error, not resolved against a full table.
func (a *Assembler) assembleSinglePass(lines []parsedLine) (*Program, []Diagnostic, error) {
	for _, ln := range lines {
		a.currentLine = ln.num
		if ln.hasLabel {
			if diag := a.defineLabel(ln.label, uint16(isa.ProgramBase+len(a.output))); diag != nil {
				a.hasErrors = true
				return nil, a.Warnings, diag
			}
		}
		if ln.mnemonic == "" {
			continue
		}
		instr, diag := a.assembleLine(ln.mnemonic, ln.arg1, ln.arg2)
		if diag != nil {
			a.hasErrors = true
			return nil, a.Warnings, diag
		}
		a.emit(instr)
	}
	return &Program{Bytes: a.output, Labels: a.labels}, a.Warnings, nil
}

// assembleLine builds the Instruction for one mnemonic/operand line, mostly
// by driving off isa.Op's own shape predicates rather than switching on
// every mnemonic by hand.
func (a *Assembler) assembleLine(mnemonic, arg1, arg2 string) (isa.Instruction, *Diagnostic) {
	switch mnemonic {
	case "LOAD":
		return a.assembleLoad(arg1, arg2)
	case "STORE":
		return a.assembleStore(arg1, arg2)
	}

	op, ok := isa.MnemonicToOp(mnemonic)
	if !ok {
		return isa.Instruction{}, a.errorf(UnknownInstruction, "unknown instruction %q", mnemonic)
	}

	switch {
	case op == isa.OpNOP || op == isa.OpRET || op == isa.OpHLT:
		return isa.Instruction{Op: op}, nil

	case op.IsJump():
		target, diag := a.parseTarget(arg1)
		if diag != nil {
			return isa.Instruction{}, diag
		}
		return isa.Instruction{Op: op, Operand16: target}, nil

	case op.IsRegisterPair():
		dst, diag := a.parseRegister(arg1)
		if diag != nil {
			return isa.Instruction{}, diag
		}
		src, diag := a.parseRegister(arg2)
		if diag != nil {
			return isa.Instruction{}, diag
		}
		return isa.Instruction{Op: op, Reg1: dst, Reg2: src}, nil

	case op == isa.OpPUSH || op == isa.OpPOP || op == isa.OpINC || op == isa.OpDEC || op == isa.OpNOT:
		reg, diag := a.parseRegister(arg1)
		if diag != nil {
			return isa.Instruction{}, diag
		}
		return isa.Instruction{Op: op, Reg1: reg}, nil

	case op == isa.OpADDI || op == isa.OpSUBI || op == isa.OpCMPI:
		reg, diag := a.parseRegister(arg1)
		if diag != nil {
			return isa.Instruction{}, diag
		}
		imm, diag := a.parseImmediate(arg2)
		if diag != nil {
			return isa.Instruction{}, diag
		}
		return isa.Instruction{Op: op, Reg1: reg, Operand16: imm}, nil

	case op == isa.OpSHL || op == isa.OpSHR:
		reg, diag := a.parseRegister(arg1)
		if diag != nil {
			return isa.Instruction{}, diag
		}
		shift, diag := a.parseShift(arg2)
		if diag != nil {
			return isa.Instruction{}, diag
		}
		return isa.Instruction{Op: op, Reg1: reg, Shift: shift}, nil

	case op == isa.OpIN:
		reg, diag := a.parseRegister(arg1)
		if diag != nil {
			return isa.Instruction{}, diag
		}
		port, diag := a.parseImmediate(arg2)
		if diag != nil {
			return isa.Instruction{}, diag
		}
		return isa.Instruction{Op: op, Reg1: reg, Operand16: port}, nil

	case op == isa.OpOUT:
		port, diag := a.parseImmediate(arg1)
		if diag != nil {
			return isa.Instruction{}, diag
		}
		reg, diag := a.parseRegister(arg2)
		if diag != nil {
			return isa.Instruction{}, diag
		}
		return isa.Instruction{Op: op, Reg1: reg, Operand16: port}, nil

	default:
		return isa.Instruction{}, a.errorf(UnknownInstruction, "unhandled instruction %q", mnemonic)
	}
}

func (a *Assembler) assembleLoad(arg1, arg2 string) (isa.Instruction, *Diagnostic) {
	reg, diag := a.parseRegister(arg1)
	if diag != nil {
		return isa.Instruction{}, diag
	}
	if strings.HasPrefix(arg2, "[") {
		addr, diag := a.parseMemOperand(arg2)
		if diag != nil {
			return isa.Instruction{}, diag
		}
		return isa.Instruction{Op: isa.OpLOADM, Reg1: reg, Operand16: addr}, nil
	}
	imm, diag := a.parseImmediate(arg2)
	if diag != nil {
		return isa.Instruction{}, diag
	}
	return isa.Instruction{Op: isa.OpLOAD, Reg1: reg, Operand16: imm}, nil
}

func (a *Assembler) assembleStore(arg1, arg2 string) (isa.Instruction, *Diagnostic) {
	if !strings.HasPrefix(arg1, "[") {
		return isa.Instruction{}, a.errorf(BadSTOREShape, "STORE requires [addr],reg, got %q", arg1)
	}
	addr, diag := a.parseMemOperand(arg1)
	if diag != nil {
		return isa.Instruction{}, diag
	}
	reg, ok := isa.RegisterByName(arg2)
	if !ok {
		return isa.Instruction{}, a.errorf(BadSTOREShape, "STORE requires a register second operand, got %q", arg2)
	}
	return isa.Instruction{Op: isa.OpSTORE, Reg1: reg, Operand16: addr}, nil
}

func (a *Assembler) parseRegister(s string) (isa.Register, *Diagnostic) {
	reg, ok := isa.RegisterByName(s)
	if !ok {
		return 0, a.errorf(InvalidRegister, "invalid register %q", s)
	}
	return reg, nil
}

func (a *Assembler) parseImmediate(s string) (uint16, *Diagnostic) {
	v, truncated, err := parseNumber(s)
	if err != nil {
		return 0, a.errorf(InvalidNumber, "invalid number %q", s)
	}
	if truncated {
		a.warnf(Truncation, "numeric literal %q truncated to 16 bits", s)
	}
	return v, nil
}

func (a *Assembler) parseShift(s string) (byte, *Diagnostic) {
	v, diag := a.parseImmediate(s)
	if diag != nil {
		return 0, diag
	}
	return byte(v), nil
}

// parseTarget resolves a jump/call operand: a numeric address first, a
// label lookup otherwise. An unresolved label is always fatal, in both
// passes — in the two-pass scheme that can only happen when the label
// genuinely never appears in the source.
func (a *Assembler) parseTarget(s string) (uint16, *Diagnostic) {
	if v, truncated, err := parseNumber(s); err == nil {
		if truncated {
			a.warnf(Truncation, "numeric literal %q truncated to 16 bits", s)
		}
		return v, nil
	}
	addr, ok := a.labels[strings.ToUpper(s)]
	if !ok {
		return 0, a.errorf(UndefinedLabel, "undefined label %q", s)
	}
	return addr, nil
}

// parseMemOperand resolves the contents of a [expr] operand: a numeric
// address, or (an extension past the original single-pass assembler, see
// spec.md §9 Open Question) a label name, symmetric with parseTarget.
func (a *Assembler) parseMemOperand(raw string) (uint16, *Diagnostic) {
	end := strings.Index(raw, "]")
	if end < 0 {
		return 0, a.errorf(MalformedMemoryOperand, "missing ']' in %q", raw)
	}
	inner := strings.TrimSpace(raw[1:end])
	if inner == "" {
		return 0, a.errorf(MalformedMemoryOperand, "empty memory operand")
	}

	if v, truncated, err := parseNumber(inner); err == nil {
		if truncated {
			a.warnf(Truncation, "numeric literal %q truncated to 16 bits", inner)
		}
		return v, nil
	}

	addr, ok := a.labels[strings.ToUpper(inner)]
	if !ok {
		return 0, a.errorf(UndefinedLabel, "undefined label %q", inner)
	}
	return addr, nil
}

func parseNumber(s string) (uint16, bool, error) {
	if s == "" {
		return 0, false, fmt.Errorf("empty numeric literal")
	}
	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		digits = s[2:]
	}
	v, err := strconv.ParseUint(digits, base, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid numeric literal %q", s)
	}
	return uint16(v), v > 0xFFFF, nil
}

// emit appends instr's encoded bytes to the output, silently dropping
// anything past the 64KiB cap (and recording one Truncation warning the
// first time that happens) — the emit_byte/emit_word behavior from
// spec.md §4.2, generalized to whole instructions.
func (a *Assembler) emit(instr isa.Instruction) {
	for _, b := range instr.Encode(nil) {
		a.emitByte(b)
	}
}

func (a *Assembler) emitByte(b byte) {
	if len(a.output) >= maxOutputSize {
		if !a.truncated {
			a.truncated = true
			a.warnf(Truncation, "assembled output exceeds %d bytes; remaining bytes dropped", maxOutputSize)
		}
		return
	}
	a.output = append(a.output, b)
}
