// Command mkimage builds the flat disk image the UEFI loader hands off
// to the kernel (spec §6's "external collaborator" boundary): a boot
// stub region followed by the kernel ELF region, written with positioned
// writes into a preallocated file. It is the host-side analogue of
// biscuit/src/mkfs/mkfs.go and biscuit/src/ufs/driver.go's
// ahci_disk_t.Start — mkfs drives an in-process filesystem writer with
// Seek+Write, ahci_disk_t.Start does the same for block-device requests;
// mkimage instead uses golang.org/x/sys/unix's positioned Pwrite (no
// Seek race between concurrent writers) and fallocates the image
// up-front, then writes every region concurrently through
// golang.org/x/sync/errgroup, failing fast together the way mkfs's own
// addfiles walk fails fast on the first WalkDir error.
//
// The partition table (GPT) and the on-disk filesystem format
// (FAT32/Sylph1FS directory layout) are explicit Non-goals of the
// kernel this tool feeds: mkimage only owns the region layout a real
// image needs below that level, and a comment at each omission says so.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Region layout within the output image. bootReserve/kernelReserve bound
// how large each input may be; skelReserve is reserved but left zeroed
// since writing a real FAT32/Sylph1FS directory tree into it is out of
// scope (spec's Non-goals name "filesystem directory formats" and "GPT
// CRC layout" explicitly).
const (
	bootOffset    = 0
	bootReserve   = 1 << 20 // 1 MiB for the boot stub
	kernelOffset  = bootOffset + bootReserve
	kernelReserve = 8 << 20 // 8 MiB for the kernel ELF
	skelOffset    = kernelOffset + kernelReserve
)

func main() {
	bootPath := flag.String("boot", "", "path to the boot stub image")
	kernelPath := flag.String("kernel", "", "path to the linked kernel ELF")
	outPath := flag.String("out", "", "path to the output disk image")
	sizeMB := flag.Int64("size-mb", 64, "total image size in MiB")
	flag.Parse()

	if *bootPath == "" || *kernelPath == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: mkimage -boot <file> -kernel <file> -out <file> [-size-mb N]")
		os.Exit(1)
	}

	if err := run(*bootPath, *kernelPath, *outPath, *sizeMB<<20); err != nil {
		log.Fatal(err)
	}
}

func run(bootPath, kernelPath, outPath string, totalSize int64) error {
	if totalSize <= skelOffset {
		return fmt.Errorf("mkimage: size %d too small for reserved regions (need > %d)", totalSize, skelOffset)
	}

	out, err := os.OpenFile(outPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("mkimage: create %s: %w", outPath, err)
	}
	defer out.Close()

	if err := unix.Fallocate(int(out.Fd()), 0, 0, totalSize); err != nil {
		return fmt.Errorf("mkimage: fallocate %d bytes: %w", totalSize, err)
	}

	var g errgroup.Group
	g.Go(func() error {
		return writeRegion(out, bootPath, bootOffset, bootReserve)
	})
	g.Go(func() error {
		return writeRegion(out, kernelPath, kernelOffset, kernelReserve)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	return out.Sync()
}

// writeRegion reads src fully and writes it at off via a positioned
// Pwrite, never exceeding reserve bytes. Pwrite (rather than
// Seek+Write) is what lets the boot and kernel regions be written
// concurrently from the two errgroup goroutines without racing on a
// shared file offset.
func writeRegion(out *os.File, src string, off, reserve int64) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("mkimage: read %s: %w", src, err)
	}
	if int64(len(data)) > reserve {
		return fmt.Errorf("mkimage: %s is %d bytes, exceeds %d-byte reserved region", src, len(data), reserve)
	}
	n, err := unix.Pwrite(int(out.Fd()), data, off)
	if err != nil {
		return fmt.Errorf("mkimage: pwrite %s at %#x: %w", src, off, err)
	}
	if n != len(data) {
		return fmt.Errorf("mkimage: short write for %s: wrote %d of %d bytes", src, n, len(data))
	}
	return nil
}
