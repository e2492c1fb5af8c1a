package dbrew

import "fmt"

// InstrType enumerates the instruction forms DBrew's decoder, emulator, and
// encoder cooperate on. Integer ALU ops, MOV family, control flow, and a
// handful of scalar SSE pairs are first-class; everything else in the
// known opcode table rides along as Passthrough.
type InstrType int

const (
	ITInvalid InstrType = iota

	ITAdd
	ITOr
	ITAdc
	ITSbb
	ITAnd
	ITSub
	ITXor
	ITCmp

	ITMov
	ITMovsx
	ITMovzx
	ITLea
	ITTest
	ITImul
	ITInc
	ITDec
	ITNeg
	ITNot

	ITShl
	ITShr
	ITSar

	ITPush
	ITPop
	ITCall
	ITCallIndirect
	ITRet
	ITLeave
	ITJmp
	ITJmpIndirect
	ITNop

	// SSE pairs decoded/emulated as passthrough-eligible but named so the
	// decoder can still terminate DBBs correctly around them.
	ITMovsd
	ITAddsd
	ITMulsd
	ITSubsd
	ITUcomisd
	ITPxor
	ITPcmpeqb
	ITPminub
	ITPmovmskb
	ITMovdqu
	ITMovdQ

	// Jcc* constants must stay contiguous: IsJcc and the encoder's
	// short/long opcode tables index off ITJccFirst.
	ITJccFirst
	ITJo InstrType = iota - 1
	ITJno
	ITJb
	ITJae
	ITJe
	ITJne
	ITJbe
	ITJa
	ITJs
	ITJns
	ITJp
	ITJnp
	ITJl
	ITJge
	ITJle
	ITJg
	ITJccLast = ITJg
)

// IsJcc reports whether t is one of the sixteen conditional jump forms.
func IsJcc(t InstrType) bool {
	return t >= ITJccFirst && t <= ITJccLast
}

func (t InstrType) String() string {
	switch t {
	case ITInvalid:
		return "invalid"
	case ITAdd:
		return "add"
	case ITOr:
		return "or"
	case ITAdc:
		return "adc"
	case ITSbb:
		return "sbb"
	case ITAnd:
		return "and"
	case ITSub:
		return "sub"
	case ITXor:
		return "xor"
	case ITCmp:
		return "cmp"
	case ITMov:
		return "mov"
	case ITMovsx:
		return "movsx"
	case ITMovzx:
		return "movzx"
	case ITLea:
		return "lea"
	case ITTest:
		return "test"
	case ITImul:
		return "imul"
	case ITInc:
		return "inc"
	case ITDec:
		return "dec"
	case ITNeg:
		return "neg"
	case ITNot:
		return "not"
	case ITShl:
		return "shl"
	case ITShr:
		return "shr"
	case ITSar:
		return "sar"
	case ITPush:
		return "push"
	case ITPop:
		return "pop"
	case ITCall:
		return "call"
	case ITCallIndirect:
		return "call*"
	case ITRet:
		return "ret"
	case ITLeave:
		return "leave"
	case ITJmp:
		return "jmp"
	case ITJmpIndirect:
		return "jmp*"
	case ITNop:
		return "nop"
	default:
		if IsJcc(t) {
			return jccMnemonics[t-ITJccFirst]
		}
		return "?"
	}
}

var jccMnemonics = [16]string{
	"jo", "jno", "jb", "jae", "je", "jne", "jbe", "ja",
	"js", "jns", "jp", "jnp", "jl", "jge", "jle", "jg",
}

// InstrForm records the operand arity of a decoded/captured instruction.
type InstrForm int

const (
	Form0 InstrForm = iota // no operands (RET, LEAVE, NOP)
	Form1                  // one operand (INC, NEG, PUSH, Jcc target)
	Form2                  // two operands (MOV, ADD, CMP, ...)
	Form3                  // three operands (IMUL dst,src,imm)
)

// EncodingForm names the operand-encoding shape a Passthrough instruction
// was decoded with, so the encoder can reconstruct ModRM/SIB the same way.
type EncodingForm int

const (
	EncNone EncodingForm = iota
	EncMR                // ModRM.rm is destination, reg is source
	EncRM                // ModRM.reg is destination, rm is source
	EncMI                // ModRM.rm is destination, immediate follows
	EncM                 // ModRM.rm is the sole operand (unary group)
	EncOI                // opcode+reg, immediate follows
	EncRMI               // ModRM.reg dst, rm src, immediate (3-operand IMUL)
)

// PrefixSet records which legacy prefixes preceded an instruction.
type PrefixSet struct {
	REX      bool
	RexW     bool
	RexR     bool
	RexX     bool
	RexB     bool
	OpSize66 bool
	RepF2    bool
	RepF3    bool
	Seg      Segment
	BranchHint bool // 0x2E
}

// VEXPrefix captures a two/three-byte VEX prefix for SSE/AVX passthrough.
type VEXPrefix struct {
	Present bool
	Bytes   []byte
}

// StateChangeHint tells the emulator roughly what a passthrough instruction
// does to architectural state, without the emulator needing a full semantic
// model: it is conservative metadata, not an execution rule.
type StateChangeHint int

const (
	HintNone StateChangeHint = iota
	HintWritesDst
	HintWritesFlags
	HintWritesDstAndFlags
)

// Passthrough preserves the raw encoding of an opcode the emulator does not
// model semantically, so the encoder can re-emit it unchanged modulo
// operand-addressing adjustments (e.g. a stack-relative displacement that
// moved).
type Passthrough struct {
	Opcode    [3]byte
	OpcodeLen uint8
	Prefixes  PrefixSet
	VEX       *VEXPrefix
	Encoding  EncodingForm
	StateHint StateChangeHint
}

// Instr is DBrew's single instruction representation, used for both
// decoded (straight from bytes) and captured (synthesized by the tracing
// emulator) instructions.
type Instr struct {
	Address     uint64
	Length      int
	Type        InstrType
	ValueWidth  int // width in bits of the operation's result
	Form        InstrForm
	Dst         Operand
	Src         Operand
	Src2        Operand
	Passthrough *Passthrough
}

func (i Instr) String() string {
	switch i.Form {
	case Form0:
		return i.Type.String()
	case Form1:
		return fmt.Sprintf("%s %s", i.Type, i.Dst)
	case Form3:
		return fmt.Sprintf("%s %s, %s, %s", i.Type, i.Dst, i.Src, i.Src2)
	default:
		return fmt.Sprintf("%s %s, %s", i.Type, i.Dst, i.Src)
	}
}

// DBB is a Decoded Basic Block: a straight-line run of decoded instructions
// terminating at the first control-flow instruction or an Invalid marker.
type DBB struct {
	Start  uint64
	Length int
	Instrs []Instr
}

// terminatesDBB reports whether t ends straight-line decoding.
func terminatesDBB(t InstrType) bool {
	switch t {
	case ITRet, ITJmp, ITJmpIndirect, ITCall, ITCallIndirect, ITInvalid:
		return true
	default:
		return IsJcc(t)
	}
}
