package debugger

import (
	"strconv"
	"strings"

	"github.com/go-delve/delve/service/api"
)

// x87 and SSE control register names as reported by delve, mapped to the names
// used in checkpoint files
var registerAliases = map[string]string{
	"eflags": "rflags",
	"cw":     "fcw",
	"sw":     "fsw",
	"tw":     "ftw",
	"fip":    "fioff",
	"fdp":    "fooff",
}

// NormalizeRegisters converts delve's register listing into a map keyed by
// lower-case name. Vector registers are split into <name>_high and <name>_low
// 64-bit halves of their low 128 bits. Values that cannot be parsed are
// dropped.
func NormalizeRegisters(regs api.Registers) map[string]uint64 {
	out := make(map[string]uint64, len(regs))
	for _, r := range regs {
		name := normalizeRegisterName(r.Name)
		digits, ok := hexDigits(r.Value)
		if !ok {
			continue
		}

		if strings.HasPrefix(name, "xmm") || strings.HasPrefix(name, "ymm") {
			if strings.HasPrefix(name, "ymm") {
				name = "xmm" + strings.TrimPrefix(name, "ymm")
			}
			if len(digits) > 32 {
				digits = digits[len(digits)-32:]
			}
			var high string
			low := digits
			if len(digits) > 16 {
				high, low = digits[:len(digits)-16], digits[len(digits)-16:]
			}
			if v, err := parseHex(high); err == nil {
				out[name+"_high"] = v
			}
			if v, err := parseHex(low); err == nil {
				out[name+"_low"] = v
			}
			continue
		}

		if len(digits) > 16 {
			digits = digits[len(digits)-16:]
		}
		v, err := parseHex(digits)
		if err != nil {
			continue
		}
		out[name] = v
	}
	return out
}

func normalizeRegisterName(name string) string {
	name = strings.ToLower(name)
	if alias, ok := registerAliases[name]; ok {
		return alias
	}
	// ST(0) -> st0
	if strings.HasPrefix(name, "st(") && strings.HasSuffix(name, ")") {
		return "st" + name[3:len(name)-1]
	}
	return name
}

// hexDigits extracts the hexadecimal digits of the first field of a delve
// register value, e.g. "0x246\t[PF ZF IF]" -> "246"
func hexDigits(value string) (string, bool) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return "", false
	}
	first := strings.ToLower(fields[0])
	if !strings.HasPrefix(first, "0x") {
		return "", false
	}
	digits := first[2:]
	if digits == "" {
		return "", false
	}
	return digits, true
}

func parseHex(digits string) (uint64, error) {
	if digits == "" {
		return 0, nil
	}
	return strconv.ParseUint(digits, 16, 64)
}
