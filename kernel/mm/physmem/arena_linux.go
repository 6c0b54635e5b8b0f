package physmem

import "golang.org/x/sys/unix"

// mapArena reserves a private anonymous mapping. MAP_NORESERVE keeps large
// simulated machines cheap: host pages are only committed once touched.
func mapArena(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
}

func unmapArena(data []byte) error {
	return unix.Munmap(data)
}
