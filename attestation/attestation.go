// Package attestation produces and checks the requester evidence attached to
// the session handshake with the firmware trust anchor. The key manager runs
// inside a confidential VM; the anchor verifies the VM's quote before it
// releases the seed secret.
package attestation

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
)

// Provider produces attestation evidence over 64 bytes of report data.
type Provider interface {
	// Type is the evidence format identifier carried in the handshake.
	Type() string

	// Attest generates evidence binding the report data to this
	// environment.
	Attest(reportData [64]byte) ([]byte, error)
}

// DCAPProvider generates TDX quotes from the local quote device.
type DCAPProvider struct{}

func (DCAPProvider) Type() string { return "qemu-tdx" }

func (DCAPProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// RemoteProvider fetches quotes from a sidecar quote service.
type RemoteProvider struct {
	Address string
}

func (*RemoteProvider) Type() string { return "qemu-tdx" }

func (p *RemoteProvider) Attest(reportData [64]byte) ([]byte, error) {
	extraDataHex := hex.EncodeToString(reportData[:])

	url := fmt.Sprintf("%s/attest/%s", p.Address, extraDataHex)
	resp, err := http.DefaultClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

// DummyProvider is for tests and environments without a quote device.
type DummyProvider struct{}

func (DummyProvider) Type() string { return "dummy" }

func (DummyProvider) Attest(reportData [64]byte) ([]byte, error) {
	return []byte(fmt.Sprintf("dummy evidence over %x", reportData)), nil
}

// VerifyDCAP checks a raw TDX quote against the expected report data and the
// collateral chain. Used by diagnostic tooling and by trust-anchor stands-in
// that verify requester evidence out of band.
func VerifyDCAP(reportData [64]byte, quote []byte) error {
	protoQuote, err := tdx_abi.QuoteToProto(quote)
	if err != nil {
		return fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return fmt.Errorf("unsupported quote type: %T", protoQuote)
	}

	if err := verify.TdxQuote(protoQuote, verify.DefaultOptions()); err != nil {
		return fmt.Errorf("quote verification failed: %w", err)
	}

	if !bytes.Equal(v4Quote.TdQuoteBody.ReportData, reportData[:]) {
		return errors.New("quote report data mismatch")
	}
	return nil
}
