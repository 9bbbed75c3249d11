package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestRunWritesBootAndKernelAtReservedOffsets(t *testing.T) {
	dir := t.TempDir()
	boot := writeTempFile(t, dir, "boot.img", []byte("BOOTSTUB"))
	kernel := writeTempFile(t, dir, "kernel.elf", []byte("KERNELDATA"))
	out := filepath.Join(dir, "disk.img")

	if err := run(boot, kernel, out, 64<<20); err != nil {
		t.Fatalf("run: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	bootBuf := make([]byte, len("BOOTSTUB"))
	if _, err := f.ReadAt(bootBuf, bootOffset); err != nil {
		t.Fatalf("ReadAt boot: %v", err)
	}
	if string(bootBuf) != "BOOTSTUB" {
		t.Fatalf("boot region = %q, want %q", bootBuf, "BOOTSTUB")
	}

	kernelBuf := make([]byte, len("KERNELDATA"))
	if _, err := f.ReadAt(kernelBuf, kernelOffset); err != nil {
		t.Fatalf("ReadAt kernel: %v", err)
	}
	if string(kernelBuf) != "KERNELDATA" {
		t.Fatalf("kernel region = %q, want %q", kernelBuf, "KERNELDATA")
	}

	info, err := f.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() < 64<<20 {
		t.Fatalf("image size = %d, want at least %d", info.Size(), int64(64)<<20)
	}
}

func TestRunRejectsOversizedInput(t *testing.T) {
	dir := t.TempDir()
	boot := writeTempFile(t, dir, "boot.img", make([]byte, bootReserve+1))
	kernel := writeTempFile(t, dir, "kernel.elf", []byte("k"))
	out := filepath.Join(dir, "disk.img")

	if err := run(boot, kernel, out, 64<<20); err == nil {
		t.Fatal("expected an error when the boot stub exceeds its reserved region")
	}
}

func TestRunRejectsImageSmallerThanReservedRegions(t *testing.T) {
	dir := t.TempDir()
	boot := writeTempFile(t, dir, "boot.img", []byte("b"))
	kernel := writeTempFile(t, dir, "kernel.elf", []byte("k"))
	out := filepath.Join(dir, "disk.img")

	if err := run(boot, kernel, out, 1<<10); err == nil {
		t.Fatal("expected an error when the total size is smaller than the reserved regions")
	}
}
