// integrity-verify audits a ledger file offline: it walks the whole chain
// and reports every seq, linkage, content-hash, and signature violation in
// one pass. Exit status is nonzero when the chain fails verification.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/civicgraph/integrity-chain/internal/crypto"
	"github.com/civicgraph/integrity-chain/internal/ledger"
	"github.com/civicgraph/integrity-chain/internal/storage/ledgerfile"
)

func main() {
	ledgerPath := flag.String("ledger", "data/ledger.jsonl", "path to ledger file")
	keyStorePath := flag.String("keystore", "", "optional key store for any-known-key signature fallback")
	flag.Parse()

	store, err := ledgerfile.Open(*ledgerPath)
	if err != nil {
		fail("open ledger", err)
	}
	chain, err := ledger.Load(context.Background(), store)
	if err != nil {
		fail("load chain", err)
	}

	var resolver ledger.KeyResolver
	if *keyStorePath != "" {
		if _, err := os.Stat(*keyStorePath); errors.Is(err, os.ErrNotExist) {
			fail("open key store", fmt.Errorf("%s does not exist", *keyStorePath))
		}
		ks, err := crypto.EnsureKeyStore(*keyStorePath)
		if err != nil {
			fail("open key store", err)
		}
		resolver = ks
	}

	report := chain.Verify(resolver)

	bold := color.New(color.Bold)
	okColor := color.New(color.FgGreen)
	failColor := color.New(color.FgRed)

	bold.Printf("ledger: %s\n", *ledgerPath)
	fmt.Printf("entries: %d\n", report.Entries)
	if head := chain.Head(); head != nil {
		fmt.Printf("head: seq=%d content_hash=%s\n", head.Seq, head.ContentHash)
	}

	for _, issue := range report.Issues {
		failColor.Printf("issue seq=%d code=%s", issue.Seq, issue.Code)
		if issue.Expected != "" || issue.Actual != "" {
			fmt.Printf(" expected=%s actual=%s", issue.Expected, issue.Actual)
		}
		if issue.Detail != "" {
			fmt.Printf(" detail=%q", issue.Detail)
		}
		fmt.Println()
	}

	if report.OK {
		okColor.Println("chain verification: OK")
		return
	}
	failColor.Printf("chain verification: FAILED (%d issues)\n", len(report.Issues))
	os.Exit(1)
}

func fail(stage string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", stage, err)
	os.Exit(1)
}
