// Command verify-quote is an offline diagnostic: it decodes a TDX quote,
// replays an event log and prints the register-by-register comparison.
// No registry and no reference image are consulted.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/Phala-Network/dstack-verifier/eventlog"
	"github.com/Phala-Network/dstack-verifier/quote"
)

func main() {
	quotePath := flag.String("quote", "", "path to the raw quote file")
	logPath := flag.String("eventlog", "", "path to the JSON event log")
	flag.Parse()

	if *quotePath == "" || *logPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	rawQuote, err := os.ReadFile(*quotePath)
	if err != nil {
		fatal("reading quote: %v", err)
	}
	rawLog, err := os.ReadFile(*logPath)
	if err != nil {
		fatal("reading event log: %v", err)
	}

	q, err := quote.Decode(rawQuote)
	if err != nil {
		fatal("decoding quote: %v", err)
	}
	entries, err := eventlog.Parse(rawLog)
	if err != nil {
		fatal("parsing event log: %v", err)
	}
	replayed, err := eventlog.Replay(entries)
	if err != nil {
		fatal("replaying event log: %v", err)
	}

	fmt.Printf("quote version:   %d\n", q.Header.Version)
	fmt.Printf("mrtd:            %s\n", q.MRTDHex())
	fmt.Printf("tee_tcb_svn:     %s\n", hex.EncodeToString(q.TEETCBSVN[:]))
	fmt.Printf("report_data:     %s\n\n", hex.EncodeToString(q.ReportData[:]))

	mismatches := 0
	for i := 0; i < 4; i++ {
		match := replayed[i] == q.RTMR[i]
		status := "MATCH"
		if !match {
			status = "MISMATCH"
			mismatches++
		}
		fmt.Printf("rtmr%d: %s\n", i, status)
		fmt.Printf("  quote:    %s\n", q.RTMRHex(i))
		fmt.Printf("  replayed: %s\n", hex.EncodeToString(replayed[i][:]))
	}

	info := eventlog.ExtractAppInfo(entries)
	if info.AppID != "" {
		fmt.Printf("\napp-id:       %s\n", info.AppID)
		fmt.Printf("compose-hash: %s\n", info.ComposeHash)
		fmt.Printf("instance-id:  %s\n", info.InstanceID)
		fmt.Printf("key-provider: %s\n", info.KeyProvider)
	}

	if mismatches > 0 {
		fmt.Printf("\n%d register(s) did not match\n", mismatches)
		os.Exit(1)
	}
	fmt.Println("\nall registers match")
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
