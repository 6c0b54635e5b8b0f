package mm

import "fmt"

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// String renders the size using the largest unit that keeps two decimals of
// precision meaningful.
func (s Size) String() string {
	switch {
	case s >= Gb:
		return fmt.Sprintf("%.2fGiB", float64(s)/float64(Gb))
	case s >= Mb:
		return fmt.Sprintf("%.2fMiB", float64(s)/float64(Mb))
	case s >= Kb:
		return fmt.Sprintf("%.2fKiB", float64(s)/float64(Kb))
	default:
		return fmt.Sprintf("%dB", uint64(s))
	}
}
