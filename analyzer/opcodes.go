// opcodes.go - PowerPC (Gekko/Broadway) instruction field decoding
//
// License: GPLv3 or later

// Package analyzer implements the guest-ISA analyzer spec.md §6 names:
// analyze(pc, code_block, buffer, max_instructions) -> next_pc, populating
// a straight-line CodeBlock with per-instruction liveness and flag
// annotations. It decodes a realistic but intentionally bounded subset of
// the Gekko/Broadway instruction set (see SPEC_FULL.md §4.3), enough to
// exercise every translator algorithm spec.md describes end to end.
package analyzer

// Mnemonic identifies a decoded opcode's semantic kind. The translator's
// per-opcode emit table (translator/emit_table.go) is keyed by this.
type Mnemonic int

const (
	MnUnknown Mnemonic = iota
	MnAdd
	MnAddI
	MnAddIS
	MnOr
	MnOrI
	MnAnd
	MnAndI
	MnXor
	MnXorI
	MnSub
	MnCmp
	MnCmpI
	MnLwz
	MnLwzu
	MnLwzx
	MnStw
	MnStwu
	MnStwx
	MnB
	MnBc
	MnBl
	MnBlr
	MnBclr
	MnMfspr
	MnMtspr
	MnRfi
	MnSc
)

// GQR SPR numbers, spec.md §3: "special-purpose registers including GQRs
// (graphics quantization registers 0-7)". Real Gekko SPR numbers.
const (
	SPRGQR0 = 912
)

func isGQRSPR(spr uint32) (idx uint32, ok bool) {
	if spr >= SPRGQR0 && spr < SPRGQR0+8 {
		return spr - SPRGQR0, true
	}
	return 0, false
}

// field extracts bits [hi:lo] (inclusive, PowerPC MSB-0 style translated to
// normal bit numbering: hi is the more-significant bit) from a 32-bit word.
func field(word uint32, hi, lo uint) uint32 {
	width := hi - lo + 1
	mask := uint32(1)<<width - 1
	return (word >> lo) & mask
}

func signExtend16(v uint32) int32 {
	return int32(int16(uint16(v)))
}

// Decoded is one decoded instruction with the raw word and extracted
// operand fields a specific emit routine needs.
type Decoded struct {
	Address uint32
	Word    uint32
	Mn      Mnemonic

	RD, RA, RB uint32
	SIMM       int32
	UIMM       uint32
	SPR        uint32
	GQRIndex   uint32
	LK, AA     bool
	BO, BI     uint32
	BD         int32
	LI         int32
}

// Decode extracts the primary opcode and dispatches to the right
// operand-field extraction. Unrecognized words decode as MnUnknown, which
// the translator always routes to the interpreter fallback.
func Decode(addr, word uint32) Decoded {
	d := Decoded{Address: addr, Word: word}
	primary := field(word, 31, 26)

	switch primary {
	case 14: // addi (RA==0 means li, treated the same here)
		d.RD, d.RA, d.SIMM = field(word, 25, 21), field(word, 20, 16), signExtend16(field(word, 15, 0))
		d.Mn = MnAddI
	case 15:
		d.RD, d.RA, d.SIMM = field(word, 25, 21), field(word, 20, 16), signExtend16(field(word, 15, 0))
		d.Mn = MnAddIS
	case 24: // ori
		d.RA, d.RD, d.UIMM = field(word, 25, 21), field(word, 20, 16), field(word, 15, 0)
		d.Mn = MnOrI
	case 28: // andi.
		d.RA, d.RD, d.UIMM = field(word, 25, 21), field(word, 20, 16), field(word, 15, 0)
		d.Mn = MnAndI
	case 26: // xori (xoris, primary 27, is not decoded in this subset)
		d.RA, d.RD, d.UIMM = field(word, 25, 21), field(word, 20, 16), field(word, 15, 0)
		d.Mn = MnXorI
	case 11: // cmpi
		d.RA, d.SIMM = field(word, 20, 16), signExtend16(field(word, 15, 0))
		d.Mn = MnCmpI
	case 32: // lwz
		d.RD, d.RA, d.SIMM = field(word, 25, 21), field(word, 20, 16), signExtend16(field(word, 15, 0))
		d.Mn = MnLwz
	case 33: // lwzu
		d.RD, d.RA, d.SIMM = field(word, 25, 21), field(word, 20, 16), signExtend16(field(word, 15, 0))
		d.Mn = MnLwzu
	case 36: // stw
		d.RD, d.RA, d.SIMM = field(word, 25, 21), field(word, 20, 16), signExtend16(field(word, 15, 0))
		d.Mn = MnStw
	case 37: // stwu
		d.RD, d.RA, d.SIMM = field(word, 25, 21), field(word, 20, 16), signExtend16(field(word, 15, 0))
		d.Mn = MnStwu
	case 18: // b / bl / ba / bla
		li := field(word, 25, 2) << 2
		if li&0x02000000 != 0 {
			li |= 0xFC000000
		}
		d.LI = int32(li)
		d.AA = field(word, 1, 1) != 0
		d.LK = field(word, 0, 0) != 0
		if d.LK {
			d.Mn = MnBl
		} else {
			d.Mn = MnB
		}
	case 16: // bc / bcl
		bd := field(word, 15, 2) << 2
		if bd&0x8000 != 0 {
			bd |= 0xFFFF0000
		}
		d.BD = int32(bd)
		d.BO, d.BI = field(word, 25, 21), field(word, 20, 16)
		d.AA = field(word, 1, 1) != 0
		d.LK = field(word, 0, 0) != 0
		d.Mn = MnBc
	case 19:
		ext := field(word, 10, 1)
		switch ext {
		case 16: // bclr / bclrl
			d.BO, d.BI = field(word, 25, 21), field(word, 20, 16)
			d.LK = field(word, 0, 0) != 0
			if d.BO == 20 && d.BI == 0 {
				d.Mn = MnBlr
			} else {
				d.Mn = MnBclr
			}
		case 50: // rfi
			d.Mn = MnRfi
		}
	case 31:
		ext := field(word, 10, 1)
		d.RD, d.RA, d.RB = field(word, 25, 21), field(word, 20, 16), field(word, 15, 11)
		switch ext {
		case 266: // add
			d.Mn = MnAdd
		case 40: // subf (treated as sub, RD = RB - RA)
			d.Mn = MnSub
		case 444: // or (also mr when RA==RB idiom, handled uniformly)
			d.Mn = MnOr
		case 28: // and
			d.Mn = MnAnd
		case 316: // xor
			d.Mn = MnXor
		case 0: // cmp
			d.Mn = MnCmp
		case 23: // lwzx
			d.Mn = MnLwzx
		case 151: // stwx
			d.Mn = MnStwx
		case 339: // mfspr
			spr := field(word, 20, 11)
			d.SPR = (spr&0x1F)<<5 | (spr >> 5)
			d.Mn = MnMfspr
		case 467: // mtspr
			spr := field(word, 20, 11)
			d.SPR = (spr&0x1F)<<5 | (spr >> 5)
			d.Mn = MnMtspr
		}
	case 17: // sc
		d.Mn = MnSc
	}

	if idx, ok := isGQRSPR(d.SPR); ok && (d.Mn == MnMfspr || d.Mn == MnMtspr) {
		d.GQRIndex = idx
	}

	return d
}
