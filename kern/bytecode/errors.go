package bytecode

import "errors"

// ErrOperandOverflow is returned by NewInstruction when a value cannot
// be represented in the 48-bit operand field. Unlike the original
// reference compiler (which silently masks to 48 bits), this
// implementation fails loudly: a silently truncated jump target or
// symbol id is a correctness bug, not a value to tolerate.
var ErrOperandOverflow = errors.New("bytecode: operand does not fit in 48 bits")

// ErrTruncatedInstruction is returned by Decode when fewer than 8
// bytes remain.
var ErrTruncatedInstruction = errors.New("bytecode: truncated instruction, need 8 bytes")
