package address

import "crypto/sha256"

// sha256Hasher backs the built-in HashSHA256 multihash code.
func sha256Hasher(data []byte) ([]byte, error) {
	sum := sha256.Sum256(data)
	return sum[:], nil
}
