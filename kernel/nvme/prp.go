package nvme

// pageSize is the NVMe physical-region-page granularity this core
// assumes throughout (CC.MPS=0, per spec §4.9 step 4).
const pageSize = 4096

// computePRPs implements spec §4.9's PRP1/PRP2 construction for a
// transfer of size bytes starting at the physical address addr. Grounded
// on original_source/kernel/driver/nvme/nvme_driver.cpp's SetupPRPs: a
// transfer fitting in the remainder of addr's page needs only PRP1; one
// spilling into exactly one more page sets PRP2 to that page's base
// directly; three or more pages need a PRP list, whose physical page
// addresses (second page onward) this function returns for the caller to
// write into an allocated list page. listPages is nil whenever no list is
// needed, including the zero-transfer case.
func computePRPs(addr, size uint64) (prp1, prp2 uint64, listPages []uint64) {
	prp1 = addr
	if size == 0 {
		return prp1, 0, nil
	}

	offset := addr & (pageSize - 1)
	pageCapacity := uint64(pageSize) - offset
	if size <= pageCapacity {
		return prp1, 0, nil
	}

	remaining := size - pageCapacity
	next := (addr &^ uint64(pageSize-1)) + pageSize
	if remaining <= pageSize {
		return prp1, next, nil
	}

	numPages := (remaining + pageSize - 1) / pageSize
	pages := make([]uint64, numPages)
	current := next
	for i := range pages {
		pages[i] = current
		current += pageSize
	}
	return prp1, 0, pages
}
