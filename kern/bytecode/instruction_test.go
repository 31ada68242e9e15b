package bytecode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstructionEncodeDecodeRoundTrip(t *testing.T) {
	instr, err := NewInstruction(OpLoadSym, 0xFF, 0x123456789A&operandMask)
	require.NoError(t, err)

	enc := instr.Encode()
	got, err := Decode(enc[:])
	require.NoError(t, err)
	require.Equal(t, instr, got)
}

func TestNewInstructionRejectsOperandOverflow(t *testing.T) {
	_, err := NewInstruction(OpJmp, 0, operandMask+1)
	require.ErrorIs(t, err, ErrOperandOverflow)
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrTruncatedInstruction)
}

func TestEncodeDecodeProgramRoundTrip(t *testing.T) {
	code := []Instruction{
		{Opcode: OpLoadNum, Flags: 0, Operand: 42},
		{Opcode: OpHalt, Flags: 0, Operand: 0},
	}
	b := EncodeProgram(code)
	require.Len(t, b, InstructionSize*2)

	got, err := DecodeProgram(b)
	require.NoError(t, err)
	require.Equal(t, code, got)
}

func TestDecodeProgramRejectsMisalignedLength(t *testing.T) {
	_, err := DecodeProgram(make([]byte, 10))
	require.ErrorIs(t, err, ErrTruncatedInstruction)
}

func TestSignedOperandRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 42, -42, 1 << 40, -(1 << 40)} {
		operand, err := EncodeSignedOperand(v)
		require.NoError(t, err)
		require.Equal(t, v, DecodeSignedOperand(operand))
	}
}

func TestSignedOperandRejectsOutOfRange(t *testing.T) {
	_, err := EncodeSignedOperand(1 << 50)
	require.ErrorIs(t, err, ErrOperandOverflow)
}

func TestJmpIfFlagsRoundTrip(t *testing.T) {
	f := EncodeJmpIfFlags(7, true)
	reg, invert := DecodeJmpIfFlags(f)
	require.Equal(t, int8(7), reg)
	require.True(t, invert)

	f = EncodeJmpIfFlags(3, false)
	reg, invert = DecodeJmpIfFlags(f)
	require.Equal(t, int8(3), reg)
	require.False(t, invert)
}
