// Bits is a bitmask, not a sequential enum, so its String method is
// hand-written rather than stringer-generated (stringer only handles
// contiguous or sparse single-valued constants well).

package flags

import "strconv"

func (b Bits) String() string {
	if b == 0 {
		return "0"
	}
	s := ""
	if b.Has(Free) {
		s += "FREE|"
	}
	if b.Has(Root) {
		s += "ROOT|"
	}
	rest := b &^ (Free | Root)
	if rest != 0 {
		s += "Bits(" + strconv.FormatUint(uint64(rest), 10) + ")|"
	}
	if len(s) == 0 {
		return "0"
	}
	return s[:len(s)-1]
}
