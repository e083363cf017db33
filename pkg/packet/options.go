package packet

import "sort"

// IP option type codes.
const (
	OptEOL      = 0
	OptNOP      = 1
	OptRR       = 7
	OptZSU      = 10
	OptMTUP     = 11
	OptMTUR     = 12
	OptEncode   = 15
	OptTS       = 68
	OptTR       = 82
	OptSecurity = 130
	OptLSRR     = 131
	OptESec     = 133
	OptCIPSO    = 134
	OptSATID    = 136
	OptSSRR     = 137
	OptVisa     = 142
	OptIMITD    = 144
	OptEIP      = 145
	OptAddExt   = 147
	OptFINN     = 205
)

// Option maps an IP option type to its descriptor bit.
type Option struct {
	Type uint8
	Bit  uint32
	Name string
}

// options is ordered by Type for LookupOption.
var options = []Option{
	{OptNOP, 0x000001, "nop"},
	{OptRR, 0x000002, "rr"},
	{OptZSU, 0x000004, "zsu"},
	{OptMTUP, 0x000008, "mtup"},
	{OptMTUR, 0x000010, "mtur"},
	{OptEncode, 0x000020, "encode"},
	{OptTS, 0x000040, "ts"},
	{OptTR, 0x000080, "tr"},
	{OptSecurity, 0x000100, "sec"},
	{OptLSRR, 0x000200, "lsrr"},
	{OptESec, 0x000400, "e-sec"},
	{OptCIPSO, 0x000800, "cipso"},
	{OptSATID, 0x001000, "satid"},
	{OptSSRR, 0x002000, "ssrr"},
	{OptVisa, 0x008000, "visa"},
	{OptIMITD, 0x010000, "imitd"},
	{OptEIP, 0x020000, "eip"},
	{OptAddExt, 0x004000, "addext"},
	{OptFINN, 0x040000, "finn"},
}

// LookupOption finds the table entry for an option type.
func LookupOption(typ uint8) (Option, bool) {
	i := sort.Search(len(options), func(i int) bool { return options[i].Type >= typ })
	if i < len(options) && options[i].Type == typ {
		return options[i], true
	}
	return Option{}, false
}

// Options returns the option table in type order.
func Options() []Option {
	return options
}

// SecClass maps an IPSO classification level to its descriptor bit.
type SecClass struct {
	Level uint8
	Bit   uint16
	Name  string
}

var secClasses = []SecClass{
	{0x01, 0x01, "reserv-4"},
	{0x3d, 0x02, "topsecret"},
	{0x5a, 0x04, "secret"},
	{0x66, 0x08, "reserv-3"},
	{0x96, 0x10, "confid"},
	{0xab, 0x20, "unclass"},
	{0xcc, 0x40, "reserv-2"},
	{0xf1, 0x80, "reserv-1"},
}

// LookupSecClass finds the entry for a classification level byte.
func LookupSecClass(level uint8) (SecClass, bool) {
	i := sort.Search(len(secClasses), func(i int) bool { return secClasses[i].Level >= level })
	if i < len(secClasses) && secClasses[i].Level == level {
		return secClasses[i], true
	}
	return SecClass{}, false
}

// SecClasses returns the classification table in level order.
func SecClasses() []SecClass {
	return secClasses
}
