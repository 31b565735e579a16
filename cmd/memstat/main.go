// Command memstat boots a bootmem.System over a synthetic memory map and
// prints the spec §6 observability dump, in the spirit of Biscuit's
// src/kernel command tree (chentry.go): a small single-main CLI with flag
// parsing and log.Fatal on error. Not part of the kernel ABI — a
// demonstration/debugging harness for this repo.
package main

import (
	"flag"
	"fmt"
	"log"

	"coremem/bootmem"
	"coremem/config"
	"coremem/hostmem"
)

func main() {
	lowMB := flag.Int("lowmem-mb", 64, "size of the synthetic Normal zone, in MiB")
	highMB := flag.Int("highmem-mb", 32, "size of the synthetic HighMem zone, in MiB (0 disables it)")
	vmmMB := flag.Int("vmm-mb", 16, "size of the virtual-mapping arena window, in MiB")
	flag.Parse()

	const mib = 1 << 20
	lowBytes := uint64(*lowMB) * mib
	highBytes := uint64(*highMB) * mib

	cfg := config.Default()
	topBlock := uint64(1<<uint(cfg.MaxOrder-1)) * config.PageSize
	lowBytes = (lowBytes / topBlock) * topBlock
	highBytes = (highBytes / topBlock) * topBlock

	ramSize := int(lowBytes + highBytes)
	ram, err := hostmem.New(ramSize)
	if err != nil {
		log.Fatalf("memstat: %v", err)
	}
	defer ram.Close()

	pt := hostmem.NewPageTables(ram)

	bi := bootmem.BootInfo{
		LowMemPhysStart:  0,
		LowMemPhysEnd:    lowBytes,
		LowMemVirtStart:  0xffff800000000000,
		HighMemPhysStart: lowBytes,
		HighMemPhysEnd:   lowBytes + highBytes,
		KernelImageStart: 0,
		KernelImageEnd:   lowBytes,
	}

	sys, err := bootmem.Bootstrap(cfg, bi, ram, pt, 0xffffa00000000000, (*vmmMB*mib)/config.PageSize)
	if err != nil {
		log.Fatalf("memstat: bootstrap: %v", err)
	}

	fmt.Print(sys.Dump())
	fmt.Printf("vmm arena: total=%d pages free=%d pages\n", sys.Vmm.Status().TotalPages, sys.Vmm.Status().FreePages)
}
