// Command communique-verify checks a pipeline instance's advertised
// decryption keys from the operator's side: it fetches the key advertisement
// endpoint, verifies each key's attestation, and checks the attested
// measurements against a published allow list.
//
// # Usage
//
//	go run ./cmd/communique-verify -url https://pipeline.example.org \
//	    -tdx -measurements https://example.org/measurements.json
//
// Without -tdx the dummy provider is used, which only verifies keys attested
// by a dummy boundary (local and demo runs).
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	cmdcommon "github.com/communisaas/communique-core/cmd/common"
	"github.com/communisaas/communique-core/tee"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the pipeline instance")
	useTDX := flag.Bool("tdx", false, "verify DCAP TDX attestations (dummy attestation otherwise)")
	tdxRemoteURL := flag.String("tdx-url", "", "remote TDX quote service URL")
	measurementsURL := flag.String("measurements", "", "URL of the published measurement allow list")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var source tee.MeasurementSource
	if *measurementsURL != "" {
		source = tee.NewRemoteMeasurementSource(*measurementsURL)
	} else {
		log.Warn("no measurement allow list configured, accepting demo measurements only")
		source = tee.DemoMeasurementSource()
	}

	provider := cmdcommon.NewAttestationProvider(*useTDX, *tdxRemoteURL)
	verifier := tee.NewKeyVerifier(source, provider)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	verified, err := verifier.VerifyAdvertisedKeys(ctx, *baseURL)
	if err != nil {
		log.Error("key verification failed", "err", err)
	}

	for _, key := range verified {
		fmt.Printf("key %s verified (%s)\n", key.Info.KeyID, provider.AttestationType())
		indices := make([]int, 0, len(key.Measurements))
		for idx := range key.Measurements {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			fmt.Printf("  register %d: %s\n", idx, hex.EncodeToString(key.Measurements[idx]))
		}
	}

	if err != nil || len(verified) == 0 {
		os.Exit(1)
	}
}
