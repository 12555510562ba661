package cpt

import (
	"fmt"
	"strconv"
	"strings"
)

// Values for registers a user-space inspector cannot observe. Any observed
// value overrides these.
var defaultRegisters = map[string]uint64{
	"cr0":       2147483699,
	"dr6":       4294905840,
	"dr7":       1024,
	"m5":        243440,
	"efer":      19713,
	"es_attr":   46043,
	"cs_attr":   43731,
	"ss_attr":   46043,
	"ds_attr":   46043,
	"fs_attr":   46043,
	"gs_attr":   46043,
	"hs_attr":   46043,
	"tsl_attr":  46043,
	"tsg_attr":  46043,
	"ls_attr":   46043,
	"ms_attr":   46043,
	"tr_attr":   46043,
	"idtr_attr": 46043,
}

// number of zeroed micro-op and implicit integer registers after the GPRs
const microIntRegs = 22

var (
	intRegisters = []string{
		"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	}
	floatRegisters = buildFloatOrder()
	miscRegisters  = buildMiscOrder()
)

func seq(format string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf(format, i)
	}
	return out
}

func buildFloatOrder() []string {
	var regs []string
	regs = append(regs, seq("st%d", 8)...)
	regs = append(regs, seq("fpr%d", 8)...)
	for i := 0; i < 32; i++ {
		suffix := "_high"
		if i%2 == 1 {
			suffix = "_low"
		}
		regs = append(regs, fmt.Sprintf("xmm%d%s", i/2, suffix))
	}
	regs = append(regs, seq("microfp%d", 8)...)
	return regs
}

func buildMiscOrder() []string {
	var regs []string
	regs = append(regs, seq("cr%d", 16)...)
	regs = append(regs, seq("dr%d", 8)...)
	regs = append(regs,
		"rflags", "m5", "tsc", "mtrrcap", "sysenter_cs", "sysenter_esp",
		"sysenter_eip", "mcg_cap", "mcg_status", "mcg_ctl", "debug_ctl_msr",
		"lbfi", "lbti", "lefi", "leti")
	regs = append(regs, seq("mtrr_phys_base%d", 8)...)
	regs = append(regs, seq("mtrr_phys_mask%d", 8)...)
	regs = append(regs, seq("mtrr_fix%d", 11)...)
	regs = append(regs, "pat", "def_type")
	regs = append(regs, seq("mc%d_ctl", 8)...)
	regs = append(regs, seq("mc%d_status", 8)...)
	regs = append(regs, seq("mc%d_addr", 8)...)
	regs = append(regs, seq("mc%d_misc", 8)...)
	regs = append(regs, "efer", "star", "lstar", "cstar", "sf_mask", "kernel_gs_base", "tsc_aux")
	regs = append(regs, seq("perf_evt_sel%d", 4)...)
	regs = append(regs, seq("perf_evt_ctr%d", 4)...)
	regs = append(regs,
		"syscfg", "iorr_base0", "iorr_base1", "iorr_mask0", "iorr_mask1",
		"top_mem", "top_mem2", "vm_cr", "ignne", "smm_ctl", "vm_hsave_pa")

	segments := []string{"es", "cs", "ss", "ds", "fs", "gs", "hs", "tsl", "tsg", "ls", "ms", "tr", "idtr"}
	regs = append(regs, segments...)
	for _, suffix := range []string{"_base", "_eff_base", "_limit", "_attr"} {
		for _, s := range segments {
			regs = append(regs, s+suffix)
		}
	}

	regs = append(regs,
		"x87_top", "mxcsr", "fcw", "fsw", "ftw", "ftag", "fiseg", "fioff",
		"foseg", "fooff", "fop", "apic_base", "pci_config_address")
	return regs
}

// RegisterSet is the register state written to a checkpoint: observed values
// over the fixed defaults, with the captured FS base as fallback for
// fs_base and fs_eff_base
type RegisterSet struct {
	values map[string]uint64
	FSBase uint64
}

// NewRegisterSet builds a register set from observed values keyed by
// lower-case name
func NewRegisterSet(observed map[string]uint64, fsBase uint64) *RegisterSet {
	values := make(map[string]uint64, len(defaultRegisters)+len(observed))
	for k, v := range defaultRegisters {
		values[k] = v
	}
	for k, v := range observed {
		values[strings.ToLower(k)] = v
	}
	return &RegisterSet{values: values, FSBase: fsBase}
}

// Get returns the value of a register. Unknown registers read as zero except
// fs_base and fs_eff_base, which read as the captured FS base.
func (r *RegisterSet) Get(name string) uint64 {
	if v, ok := r.values[name]; ok {
		return v
	}
	if name == "fs_base" || name == "fs_eff_base" {
		return r.FSBase
	}
	return 0
}

// PC returns the instruction pointer
func (r *RegisterSet) PC() uint64 {
	return r.Get("rip")
}

func (r *RegisterSet) join(names []string, zeros int) string {
	parts := make([]string, 0, len(names)+zeros)
	for _, name := range names {
		parts = append(parts, strconv.FormatUint(r.Get(name), 10))
	}
	for i := 0; i < zeros; i++ {
		parts = append(parts, "0")
	}
	return strings.Join(parts, " ")
}

// IntString returns the integer register file in checkpoint order
func (r *RegisterSet) IntString() string {
	return r.join(intRegisters, microIntRegs)
}

// FloatString returns the floating point register file in checkpoint order
func (r *RegisterSet) FloatString() string {
	return r.join(floatRegisters, 0)
}

// MiscString returns the miscellaneous register file in checkpoint order
func (r *RegisterSet) MiscString() string {
	return r.join(miscRegisters, 0)
}
