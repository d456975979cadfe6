package media

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sync"
)

type hashKey struct {
	path    string
	modTime int64
}

// hashCache memoizes content hashes keyed by (path, modification time),
// so unchanged media files are never re-hashed across runs.
type hashCache struct {
	mu      sync.Mutex
	entries map[hashKey]string
}

func newHashCache() *hashCache {
	return &hashCache{entries: make(map[hashKey]string)}
}

// fileHash returns the hex SHA-256 digest of the file at path.
func (c *hashCache) fileHash(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	key := hashKey{path: path, modTime: info.ModTime().UnixNano()}

	c.mu.Lock()
	cached, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	digest := hex.EncodeToString(hasher.Sum(nil))

	c.mu.Lock()
	c.entries[key] = digest
	c.mu.Unlock()
	return digest, nil
}

// hashBytes returns the hex SHA-256 digest of data.
func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
