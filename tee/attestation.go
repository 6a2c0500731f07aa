package tee

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/go-tdx-guest/abi"
	"github.com/google/go-tdx-guest/client"
	ccpb "github.com/google/go-tdx-guest/proto/checkconfig"
	tdxpb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/validate"
	"github.com/google/go-tdx-guest/verify"
)

// AttestationProvider binds decryption keys to the boundary's code identity.
// The provider owns the report-data construction: callers hand it a key id
// and exchange public key, never raw report data, so the key binding cannot
// diverge between attestation and verification.
type AttestationProvider interface {
	AttestationType() string

	// AttestKey produces an attestation whose report data commits to the
	// decryption key.
	AttestKey(keyID string, exchangePubKey []byte) ([]byte, error)

	// VerifyKey checks that the attestation is genuine and commits to the
	// given decryption key, returning the attested measurements.
	VerifyKey(attestation []byte, keyID string, exchangePubKey []byte) (Measurements, error)
}

// quotePolicy pins the fields every acceptable quote must carry: the Intel QE
// vendor id, debug-disabled TD attributes, and report data committing to the
// decryption key.
func quotePolicy(reportData [64]byte) *ccpb.Policy {
	return &ccpb.Policy{
		HeaderPolicy: &ccpb.HeaderPolicy{
			MinimumQeSvn:  0,
			MinimumPceSvn: 0,
			QeVendorId:    hexLiteral("939a7233f79c4ca9940a0db3957f0607"),
		},
		TdQuoteBodyPolicy: &ccpb.TDQuoteBodyPolicy{
			TdAttributes: hexLiteral("0000001000000000"),
			ReportData:   reportData[:],
		},
	}
}

func hexLiteral(s string) []byte {
	decoded, err := hex.DecodeString(s)
	if err != nil {
		panic(err.Error())
	}
	return decoded
}

// verifyQuote checks a raw DCAP quote against collateral and the key-bound
// policy, returning MRTD and the four runtime measurement registers.
func verifyQuote(rawQuote []byte, reportData [64]byte) (Measurements, error) {
	parsed, err := abi.QuoteToProto(rawQuote)
	if err != nil {
		return nil, fmt.Errorf("parsing quote: %w", err)
	}
	quote, ok := parsed.(*tdxpb.QuoteV4)
	if !ok {
		return nil, errors.New("quote is not a QuoteV4")
	}

	rootOfTrust := &ccpb.RootOfTrust{CheckCrl: true, GetCollateral: true}
	options, err := verify.RootOfTrustToOptions(rootOfTrust)
	if err != nil {
		return nil, fmt.Errorf("building verification options: %w", err)
	}
	if err := verify.TdxQuote(quote, options); err != nil {
		return nil, fmt.Errorf("quote signature chain rejected: %w", err)
	}

	policyOpts, err := validate.PolicyToOptions(quotePolicy(reportData))
	if err != nil {
		return nil, fmt.Errorf("building policy options: %w", err)
	}
	if err := validate.TdxQuote(quote, policyOpts); err != nil {
		return nil, fmt.Errorf("quote rejected by policy: %w", err)
	}

	body := quote.GetTdQuoteBody()
	measurements := Measurements{0: body.MrTd}
	for i, rtmr := range body.Rtmrs {
		measurements[i+1] = rtmr
	}
	return measurements, nil
}

// TDXProvider attests keys with the local TDX quoting device.
type TDXProvider struct{}

func (p *TDXProvider) AttestationType() string {
	return "dcap-tdx"
}

func (p *TDXProvider) AttestKey(keyID string, exchangePubKey []byte) ([]byte, error) {
	qp := &client.LinuxConfigFsQuoteProvider{}
	return qp.GetRawQuote(ReportDataForKey(keyID, exchangePubKey))
}

func (p *TDXProvider) VerifyKey(attestation []byte, keyID string, exchangePubKey []byte) (Measurements, error) {
	return verifyQuote(attestation, ReportDataForKey(keyID, exchangePubKey))
}

// RemoteQuoteProvider fetches quotes from a quote service inside the TDX
// guest and verifies them locally. Used when the key store process does not
// own the quoting device itself.
type RemoteQuoteProvider struct {
	URL     string
	Timeout time.Duration
}

func (p *RemoteQuoteProvider) AttestationType() string {
	return "dcap-tdx"
}

func (p *RemoteQuoteProvider) AttestKey(keyID string, exchangePubKey []byte) ([]byte, error) {
	reportData := ReportDataForKey(keyID, exchangePubKey)

	ctx, cancel := context.WithTimeout(context.Background(), p.Timeout)
	defer cancel()

	url := fmt.Sprintf("%s/attest/%s", p.URL, hex.EncodeToString(reportData[:]))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building quote request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling quote service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("quote service returned %d: %s", resp.StatusCode, body)
	}
	return io.ReadAll(resp.Body)
}

func (p *RemoteQuoteProvider) VerifyKey(attestation []byte, keyID string, exchangePubKey []byte) (Measurements, error) {
	return verifyQuote(attestation, ReportDataForKey(keyID, exchangePubKey))
}

// DummyProvider attests keys without TEE hardware. The attestation is the
// bare report data; verification recomputes and compares it, so a key id or
// exchange key swap still fails. Only for tests and local runs.
type DummyProvider struct{}

func (p *DummyProvider) AttestationType() string {
	return "dummy-tdx"
}

func (p *DummyProvider) AttestKey(keyID string, exchangePubKey []byte) ([]byte, error) {
	reportData := ReportDataForKey(keyID, exchangePubKey)
	return reportData[:], nil
}

func (p *DummyProvider) VerifyKey(attestation []byte, keyID string, exchangePubKey []byte) (Measurements, error) {
	reportData := ReportDataForKey(keyID, exchangePubKey)
	if !bytes.Equal(attestation, reportData[:]) {
		return nil, errors.New("attestation does not commit to this key")
	}
	return Measurements{0: {0}, 1: {1}, 2: {2}, 3: {3}, 4: {4}}, nil
}
