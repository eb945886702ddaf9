// integrity-anchor canonicalizes governance artifacts and anchors them into
// the chain through a running integrity node: sign with the node's active
// key, then append the signed statement as the next ledger entry. Multiple
// artifact files are folded into one batch manifest entry carrying their
// merkle root.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/civicgraph/integrity-chain/internal/canonical"
	"github.com/civicgraph/integrity-chain/internal/protocol"
)

func main() {
	nodeURL := flag.String("node", "http://127.0.0.1:8420", "integrity node base url")
	token := flag.String("token", os.Getenv("INTEGRITY_WRITE_TOKEN"), "bearer write token")
	source := flag.String("source", "integrity-anchor", "artifact source recorded in batch manifests")
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		fail("usage", fmt.Errorf("at least one artifact file is required"))
	}

	client := &http.Client{Timeout: 30 * time.Second}

	var payload json.RawMessage
	if len(paths) == 1 {
		raw, err := os.ReadFile(paths[0])
		if err != nil {
			fail("read artifact", err)
		}
		payload = json.RawMessage(raw)
	} else {
		manifest, err := buildBatchManifest(paths, *source)
		if err != nil {
			fail("build batch manifest", err)
		}
		raw, err := json.Marshal(manifest)
		if err != nil {
			fail("encode batch manifest", err)
		}
		payload = raw
	}

	var stmt protocol.SignedStatement
	if err := postJSON(client, *nodeURL+"/v1/sign", *token, protocol.SignRequest{Payload: payload}, &stmt); err != nil {
		fail("sign artifact", err)
	}

	var active protocol.ActiveKeyResponse
	if err := getJSON(client, *nodeURL+"/v1/keys/active", &active); err != nil {
		fail("fetch active key", err)
	}

	var entry protocol.LedgerEntry
	appendReq := protocol.AppendRequest{
		Canonical:    stmt.Canonical,
		Signature:    stmt.Signature,
		PublicKeyPEM: active.PublicKeyPEM,
	}
	if err := postJSON(client, *nodeURL+"/v1/ledger/append", *token, appendReq, &entry); err != nil {
		fail("append ledger entry", err)
	}

	fmt.Printf("anchored seq=%d\n", entry.Seq)
	fmt.Printf("content_hash=%s\n", entry.ContentHash)
	fmt.Printf("prev_hash=%s\n", entry.PrevHash)
	fmt.Printf("hash_sha256=%s kid=%s\n", stmt.HashSHA256, stmt.KeyID)
}

// buildBatchManifest hashes each artifact's canonical form and binds the set
// under one merkle root, so a whole anomaly batch costs a single entry.
func buildBatchManifest(paths []string, source string) (protocol.BatchManifest, error) {
	itemHashes := make([]string, 0, len(paths))
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return protocol.BatchManifest{}, fmt.Errorf("read %s: %w", path, err)
		}
		canon, err := canonical.MarshalRaw(raw)
		if err != nil {
			return protocol.BatchManifest{}, fmt.Errorf("canonicalize %s: %w", path, err)
		}
		itemHashes = append(itemHashes, protocol.SHA256Hex(canon))
	}
	root, err := protocol.ComputeBatchRoot(itemHashes)
	if err != nil {
		return protocol.BatchManifest{}, err
	}
	return protocol.BatchManifest{
		BatchID:    "batch_" + uuid.NewString(),
		Source:     source,
		CreatedAt:  time.Now().UTC(),
		ItemHashes: itemHashes,
		MerkleRoot: root,
	}, nil
}

func postJSON(client *http.Client, url, token string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return doJSON(client, req, out)
}

func getJSON(client *http.Client, url string, out any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return doJSON(client, req, out)
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var errResp protocol.ErrorResponse
		if json.Unmarshal(raw, &errResp) == nil && errResp.Error.Code != "" {
			return fmt.Errorf("%s: %s (%s)", req.URL.Path, errResp.Error.Message, errResp.Error.Code)
		}
		return fmt.Errorf("%s: unexpected status %d", req.URL.Path, resp.StatusCode)
	}
	return json.Unmarshal(raw, out)
}

func fail(stage string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", stage, err)
	os.Exit(1)
}
