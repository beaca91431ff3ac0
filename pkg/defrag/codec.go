package defrag

import (
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"
)

// gunzipFile decompresses a gzip stream file-to-file.
func gunzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("gzip %s: %w", src, err)
	}
	defer zr.Close()

	return writeDecompressed(zr, dst)
}

// bunzipFile decompresses a bzip2 stream file-to-file.
func bunzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	return writeDecompressed(bzip2.NewReader(in), dst)
}

func writeDecompressed(r io.Reader, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("decompress to %s: %w", dst, err)
	}
	return out.Close()
}
