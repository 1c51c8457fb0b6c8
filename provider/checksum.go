package provider

import (
	"fmt"
	"hash"
	"hash/crc64"
	"io"
	"os"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// ChecksumReader wraps an io.Reader to compute a CRC64 checksum while reading.
type ChecksumReader struct {
	r    io.Reader
	hash hash.Hash64
	n    int64
}

// NewChecksumReader creates a new ChecksumReader that wraps the given reader.
func NewChecksumReader(r io.Reader) *ChecksumReader {
	return &ChecksumReader{
		r:    r,
		hash: crc64.New(crcTable),
	}
}

// Read reads data from the underlying reader and updates the checksum.
func (cr *ChecksumReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.n += int64(n)
		cr.hash.Write(p[:n])
	}
	return n, err
}

// Checksum returns the current checksum value.
func (cr *ChecksumReader) Checksum() uint64 {
	return cr.hash.Sum64()
}

// BytesRead returns the total number of bytes read.
func (cr *ChecksumReader) BytesRead() int64 {
	return cr.n
}

// fileChecksum returns the CRC64 and length of the file at path.
func fileChecksum(path string) (uint64, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cr := NewChecksumReader(f)
	if _, err := io.Copy(io.Discard, cr); err != nil {
		return 0, 0, err
	}
	return cr.Checksum(), cr.BytesRead(), nil
}

// verifyCopy compares the content of two files.
func verifyCopy(src, dst string) error {
	srcSum, srcLen, err := fileChecksum(src)
	if err != nil {
		return err
	}
	dstSum, dstLen, err := fileChecksum(dst)
	if err != nil {
		return err
	}
	if srcSum != dstSum || srcLen != dstLen {
		return fmt.Errorf("%w: %s (%d bytes, crc %x) vs %s (%d bytes, crc %x)",
			ErrChecksumMismatch, src, srcLen, srcSum, dst, dstLen, dstSum)
	}
	return nil
}
