package bytecode

import "encoding/binary"

// operandMask is the 48-bit operand field's valid range.
const operandMask uint64 = 0xFFFFFFFFFFFF

// InstructionSize is the fixed encoded length of one instruction, in bytes.
const InstructionSize = 8

// Instruction is one fixed-width bytecode instruction: an 8-bit opcode,
// an 8-bit flags byte, and a 48-bit little-endian operand (spec §6).
type Instruction struct {
	Opcode  Opcode
	Flags   byte
	Operand uint64
}

// NewInstruction builds an Instruction, rejecting an operand that
// doesn't fit in 48 bits rather than silently masking it.
func NewInstruction(op Opcode, flags byte, operand uint64) (Instruction, error) {
	if operand > operandMask {
		return Instruction{}, ErrOperandOverflow
	}
	return Instruction{Opcode: op, Flags: flags, Operand: operand}, nil
}

// EncodeSignedOperand packs a signed 64-bit value into a 48-bit
// two's-complement operand, for LoadNum immediates (spec §3's Number
// term). Values outside the representable range are rejected.
func EncodeSignedOperand(v int64) (uint64, error) {
	const (
		minVal = -(int64(1) << 47)
		maxVal = (int64(1) << 47) - 1
	)
	if v < minVal || v > maxVal {
		return 0, ErrOperandOverflow
	}
	return uint64(v) & operandMask, nil
}

// DecodeSignedOperand unpacks a 48-bit two's-complement operand back
// into a signed 64-bit value.
func DecodeSignedOperand(operand uint64) int64 {
	operand &= operandMask
	if operand&(1<<47) != 0 {
		operand |= ^operandMask // sign-extend
	}
	return int64(operand)
}

// Encode serialises the instruction to its fixed 8-byte wire form:
// opcode | flags | operand (48 bits, little-endian).
func (i Instruction) Encode() [InstructionSize]byte {
	var buf [InstructionSize]byte
	buf[0] = byte(i.Opcode)
	buf[1] = i.Flags
	var operandBuf [8]byte
	binary.LittleEndian.PutUint64(operandBuf[:], i.Operand&operandMask)
	copy(buf[2:8], operandBuf[:6])
	return buf
}

// Decode parses one instruction from the first 8 bytes of b. Decode is
// the exact inverse of Encode: Decode(i.Encode()) == i for every valid
// Instruction (spec §8's round-trip property).
func Decode(b []byte) (Instruction, error) {
	if len(b) < InstructionSize {
		return Instruction{}, ErrTruncatedInstruction
	}
	var operandBuf [8]byte
	copy(operandBuf[:6], b[2:8])
	operand := binary.LittleEndian.Uint64(operandBuf[:])
	return Instruction{Opcode: Opcode(b[0]), Flags: b[1], Operand: operand}, nil
}

// EncodeProgram serialises a sequence of instructions end to end.
func EncodeProgram(code []Instruction) []byte {
	out := make([]byte, 0, len(code)*InstructionSize)
	for _, instr := range code {
		enc := instr.Encode()
		out = append(out, enc[:]...)
	}
	return out
}

// DecodeProgram parses a byte stream produced by EncodeProgram back
// into instructions. The input length must be a multiple of
// InstructionSize.
func DecodeProgram(b []byte) ([]Instruction, error) {
	if len(b)%InstructionSize != 0 {
		return nil, ErrTruncatedInstruction
	}
	out := make([]Instruction, 0, len(b)/InstructionSize)
	for off := 0; off < len(b); off += InstructionSize {
		instr, err := Decode(b[off : off+InstructionSize])
		if err != nil {
			return nil, err
		}
		out = append(out, instr)
	}
	return out, nil
}
