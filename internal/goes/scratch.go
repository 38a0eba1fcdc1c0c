package goes

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/jcom-dev/gridweather/internal/apperr"
)

var scratchCounter atomic.Int64

// scratchDir prefers a RAM-backed filesystem so that decoders needing a
// real file descriptor never touch spinning storage.
func scratchDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// WriteScratch materializes NetCDF bytes to a uniquely named scratch
// file for tooling that requires a path rather than a byte slice. The
// name incorporates the pid and a monotonic counter so concurrent
// decoders never collide. The caller removes the file when done.
func WriteScratch(data []byte) (string, error) {
	name := fmt.Sprintf("goes_%d_%d.nc", os.Getpid(), scratchCounter.Add(1))
	path := filepath.Join(scratchDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", apperr.New(apperr.KindUnavailable, "goes.writeScratch", err)
	}
	return path, nil
}

// DecodeCMIFile reads and decodes a CMI NetCDF file from disk.
func DecodeCMIFile(path string) (*CMI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.New(apperr.KindUnavailable, "goes.decodeCMIFile", err)
	}
	return DecodeCMI(data)
}
