package gtfs

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"transitfuse/internal/domain"
)

// ParsedCacheDir returns GTFS_CACHE_DIR or a directory under the system temp dir.
func ParsedCacheDir() string {
	cacheDir := os.Getenv("GTFS_CACHE_DIR")
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "transitfuse-gtfs-cache")
	}
	return cacheDir
}

// DataFingerprint hashes the archive bytes together with the options that shape canonical ids,
// so the same zip imported under two prefixes gets two cache entries.
func DataFingerprint(data []byte, opts Options) string {
	h := sha256.New()
	h.Write(data)
	h.Write([]byte{0})
	h.Write([]byte(opts.Network))
	h.Write([]byte{0})
	h.Write([]byte(opts.IDPrefix))
	if opts.PrefixStopsOnly {
		h.Write([]byte{1})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func parsedCachePath(cacheDir, fingerprint string) string {
	return filepath.Join(cacheDir, fmt.Sprintf("gtfs_parsed_%s.gob.gz", fingerprint))
}

func LoadParsedResult(cacheDir, fingerprint string) (*ParseResult, string, error) {
	path := parsedCachePath(cacheDir, fingerprint)
	f, err := os.Open(path)
	if err != nil {
		return nil, path, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, path, err
	}
	defer zr.Close()

	var result ParseResult
	if err := gob.NewDecoder(zr).Decode(&result); err != nil {
		return nil, path, err
	}

	if result.Stops == nil || result.Trips == nil {
		return nil, path, fmt.Errorf("parsed cache is incomplete")
	}
	if result.Routes == nil {
		result.Routes = make(map[string]*domain.Route)
	}
	if result.Calendars == nil {
		result.Calendars = make(map[string]*domain.Calendar)
	}

	return &result, path, nil
}

func SaveParsedResult(cacheDir, fingerprint string, result *ParseResult) (string, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", err
	}

	path := parsedCachePath(cacheDir, fingerprint)
	tmp, err := os.CreateTemp(cacheDir, "gtfs_parsed_*.tmp")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	zw, err := gzip.NewWriterLevel(tmp, gzip.BestSpeed)
	if err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}

	encErr := gob.NewEncoder(zw).Encode(result)
	closeErr := zw.Close()
	fileCloseErr := tmp.Close()
	for _, err := range []error{encErr, closeErr, fileCloseErr} {
		if err != nil {
			_ = os.Remove(tmpPath)
			return "", err
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}

	return path, nil
}
