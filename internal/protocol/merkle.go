package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ComputeBatchRoot folds the hex-encoded SHA-256 item hashes of an artifact
// batch into a single merkle root. Odd levels duplicate the last node.
func ComputeBatchRoot(itemHashes []string) (string, error) {
	if len(itemHashes) == 0 {
		empty := sha256.Sum256([]byte("integritychain:batch:empty:v1"))
		return hex.EncodeToString(empty[:]), nil
	}
	level := make([][]byte, 0, len(itemHashes))
	for i, item := range itemHashes {
		b, err := hex.DecodeString(item)
		if err != nil || len(b) != sha256.Size {
			return "", fmt.Errorf("item hash %d is not a sha256 hex digest", i)
		}
		level = append(level, b)
	}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, batchNodeHash(left, right))
		}
		level = next
	}
	return hex.EncodeToString(level[0]), nil
}

// VerifyBatchManifest recomputes a manifest's merkle root from its item
// hashes and compares it to the stored root.
func VerifyBatchManifest(manifest BatchManifest) error {
	root, err := ComputeBatchRoot(manifest.ItemHashes)
	if err != nil {
		return err
	}
	if root != manifest.MerkleRoot {
		return errors.New("merkle root does not match item hashes")
	}
	return nil
}

func batchNodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte("integritychain:batch:node:v1:"))
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}
