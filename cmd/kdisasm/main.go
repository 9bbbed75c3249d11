// Command kdisasm disassembles the instruction window around a captured
// panic banner's faulting RIP, given the kernel ELF that produced it.
// spec §6 only specifies the panic banner's leading line
// ("EXCEPTION: <name>...") and that RIP is printed; kernel/irq's
// Registers.DumpTo (grounded on gopheros/kernel/gate's own
// Registers.DumpTo) prints the rest of the register snapshot this tool
// parses out of a saved banner. Unlike the NVMe reference module's own
// register/struct decoding by field offset, decoding *instructions*
// calls for a real x86 decoder: golang.org/x/arch/x86/x86asm, the
// closest pack-provided analogue, is the home for that dependency.
package main

import (
	"bufio"
	"debug/elf"
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"

	"golang.org/x/arch/x86/x86asm"
)

// ripPattern accepts both kernel/irq's own Registers.DumpTo format
// ("RIP=0000000000101234", no 0x prefix) and a hand-annotated
// "RIP=0x101234" form, since a captured serial log may have been
// re-typed by whoever filed the bug.
var ripPattern = regexp.MustCompile(`RIP\s*=\s*(?:0x)?([0-9a-fA-F]+)`)

func main() {
	elfPath := flag.String("elf", "", "path to the kernel ELF image")
	bannerPath := flag.String("banner", "", "path to a captured panic banner (reads stdin if omitted)")
	before := flag.Int("before", 32, "bytes of context to disassemble before RIP")
	after := flag.Int("after", 32, "bytes of context to disassemble after RIP")
	flag.Parse()

	if *elfPath == "" {
		fmt.Fprintln(os.Stderr, "usage: kdisasm -elf <kernel.elf> [-banner <file>] [-before N] [-after N]")
		os.Exit(1)
	}

	banner, err := readBanner(*bannerPath)
	if err != nil {
		log.Fatal(err)
	}

	rip, err := extractRIP(banner)
	if err != nil {
		log.Fatal(err)
	}

	f, err := elf.Open(*elfPath)
	if err != nil {
		log.Fatalf("kdisasm: open %s: %v", *elfPath, err)
	}
	defer f.Close()

	code, base, err := textAround(f, rip, *before, *after)
	if err != nil {
		log.Fatal(err)
	}

	printWindow(os.Stdout, code, base, rip)
}

// readBanner reads the full panic banner text from path, or from stdin
// when path is empty.
func readBanner(path string) (string, error) {
	var r *os.File
	if path == "" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("kdisasm: open banner %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	buf, err := readAll(r)
	if err != nil {
		return "", fmt.Errorf("kdisasm: read banner: %w", err)
	}
	return buf, nil
}

func readAll(r *os.File) (string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	out := ""
	for sc.Scan() {
		out += sc.Text() + "\n"
	}
	return out, sc.Err()
}

// extractRIP finds the hex address following "RIP=" in banner text.
func extractRIP(banner string) (uint64, error) {
	m := ripPattern.FindStringSubmatch(banner)
	if m == nil {
		return 0, fmt.Errorf("kdisasm: no RIP=0x... found in banner")
	}
	addr, err := strconv.ParseUint(m[1], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("kdisasm: malformed RIP value %q: %w", m[1], err)
	}
	return addr, nil
}

// textAround locates the section containing rip and returns a byte
// window [rip-before, rip+after) from the file, plus the virtual address
// the window's first byte corresponds to.
func textAround(f *elf.File, rip uint64, before, after int) (code []byte, base uint64, err error) {
	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		if rip < sec.Addr || rip >= sec.Addr+sec.Size {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, 0, fmt.Errorf("kdisasm: read section %s: %w", sec.Name, err)
		}
		return windowAround(data, sec.Addr, rip, before, after)
	}
	return nil, 0, fmt.Errorf("kdisasm: RIP %#x is not in any executable section", rip)
}

// windowAround clips [rip-before, rip+after) to data's bounds, given data
// starts at virtual address sectionAddr. Factored out of textAround so
// the offset arithmetic can be tested without constructing a real ELF
// file.
func windowAround(data []byte, sectionAddr, rip uint64, before, after int) (code []byte, base uint64, err error) {
	if rip < sectionAddr || rip >= sectionAddr+uint64(len(data)) {
		return nil, 0, fmt.Errorf("kdisasm: RIP %#x outside section [%#x, %#x)", rip, sectionAddr, sectionAddr+uint64(len(data)))
	}
	lo := rip - sectionAddr
	winLo := uint64(0)
	if int64(lo)-int64(before) > 0 {
		winLo = lo - uint64(before)
	}
	winHi := lo + uint64(after)
	if winHi > uint64(len(data)) {
		winHi = uint64(len(data))
	}
	return data[winLo:winHi], sectionAddr + winLo, nil
}

// printWindow decodes and prints every instruction in code, marking the
// one whose address equals rip, the same "faulting instruction" callout
// a real crash-dump disassembler gives.
func printWindow(w *os.File, code []byte, base, rip uint64) {
	off := 0
	for off < len(code) {
		addr := base + uint64(off)
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			fmt.Fprintf(w, "%#016x  (bad)\n", addr)
			off++
			continue
		}
		marker := "  "
		if addr == rip {
			marker = "->"
		}
		fmt.Fprintf(w, "%s %#016x  %s\n", marker, addr, x86asm.GNUSyntax(inst, addr, nil))
		if inst.Len == 0 {
			off++
			continue
		}
		off += inst.Len
	}
}
