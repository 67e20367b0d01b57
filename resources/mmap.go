package resources

import (
	"os"

	"github.com/edsrzf/mmap-go"
)

// readMmap maps an open model file read-only; the returned bytes remain
// valid until the file is closed.
func readMmap(file *os.File) (*[]byte, error) {
	fileMmap, mmapErr := mmap.Map(file, mmap.RDONLY, 0)
	mmapBytes := (*[]byte)(&fileMmap)
	return mmapBytes, mmapErr
}
