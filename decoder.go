//  Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ftrace

// TransferKind classifies a decoded instruction.
type TransferKind int

const (
	NotControlTransfer TransferKind = iota
	Call
	Return
)

const (
	opJAL  = 0b1101111
	opJALR = 0b1100111
)

func bits(x uint32, hi, lo uint) uint32 {
	return (x >> lo) & ((1 << (hi - lo + 1)) - 1)
}

// signExtend sign-extends the low bitWidth bits of value to a full 64-bit
// signed quantity, returned as its bit-pattern in a uint64.
func signExtend(value uint64, bitWidth uint) uint64 {
	shift := 64 - bitWidth
	return uint64(int64(value<<shift) >> shift)
}

// decodeJImm reassembles the RISC-V J-type immediate. It does not mask
// away bit 0 (it is always 0 by construction of the field layout); callers
// must not re-mask it.
func decodeJImm(inst uint32) uint64 {
	imm := signExtend(uint64(bits(inst, 31, 31)), 1) << 20
	imm |= uint64(bits(inst, 19, 12)) << 12
	imm |= uint64(bits(inst, 20, 20)) << 11
	imm |= uint64(bits(inst, 30, 25)) << 5
	imm |= uint64(bits(inst, 24, 21)) << 1
	return imm
}

// decodeIImm reassembles the RISC-V I-type immediate. It does not shift
// the result; jalr's target computation adds it directly to rs1.
func decodeIImm(inst uint32) uint64 {
	return signExtend(uint64(bits(inst, 31, 20)), 12)
}

// Decode classifies a 32-bit instruction as jal, jalr, or neither, and
// computes its target address. regs must have at least 32 entries when
// the instruction is jalr. ok is false for anything that is not a
// recognized control transfer, in which case kind and target are zero.
//
// A transfer is a Return only when it is jalr with rs1 == x1 (ra) and
// rd == x0 — the ret pseudo-instruction. Every other recognized transfer,
// including a jal, is a Call.
func Decode(pc uint64, inst uint32, regs []uint64) (kind TransferKind, target uint64, ok bool) {
	opcode := bits(inst, 6, 0)
	rd := uint(bits(inst, 11, 7))

	switch opcode {
	case opJAL:
		return Call, pc + decodeJImm(inst), true

	case opJALR:
		if bits(inst, 14, 12) != 0 {
			return NotControlTransfer, 0, false
		}
		rs1 := uint(bits(inst, 19, 15))
		target = (regs[rs1] + decodeIImm(inst)) &^ 1
		if rs1 == 1 && rd == 0 {
			return Return, target, true
		}
		return Call, target, true

	default:
		return NotControlTransfer, 0, false
	}
}
