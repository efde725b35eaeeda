package cryptoutils

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
)

var (
	DCAPAttestation  = AttestationType{StringID: "qemu-tdx"}
	DummyAttestation = AttestationType{StringID: "dummy"}
)

type AttestationType struct {
	StringID string
}

func AttestationTypeFromString(str string) (AttestationType, error) {
	switch str {
	case DCAPAttestation.StringID:
		return DCAPAttestation, nil
	case DummyAttestation.StringID:
		return DummyAttestation, nil
	default:
		return AttestationType{}, errors.ErrUnsupported
	}
}

type AttestationProvider interface {
	AttestationType() AttestationType
	Attest(reportData [64]byte) ([]byte, error)
}

// AttestationProviderFor returns the provider for a configured attestation type.
// remoteAddr selects the remote quote provider for DCAP when set.
func AttestationProviderFor(attestationType string, remoteAddr string) (AttestationProvider, error) {
	at, err := AttestationTypeFromString(attestationType)
	if err != nil {
		return nil, fmt.Errorf("attestation type %q: %w", attestationType, err)
	}
	switch {
	case at == DummyAttestation:
		return DumyAttestationProvider{}, nil
	case remoteAddr != "":
		return &RemoteAttestationProvider{Address: remoteAddr}, nil
	default:
		return DCAPAttestationProvider{}, nil
	}
}

// EnclaveReportData binds an enclave's ephemeral signing key and wallet address into quote report data.
func EnclaveReportData(ephemeralPub []byte, wallet common.Address) [64]byte {
	var reportData [64]byte
	digest := sha256.Sum256(ephemeralPub)
	copy(reportData[:32], digest[:])
	copy(reportData[32:52], wallet[:])
	return reportData
}

// VerifyEnclaveAttestation checks that attestation commits to reportData.
func VerifyEnclaveAttestation(attestationType string, attestation []byte, reportData [64]byte) error {
	at, err := AttestationTypeFromString(attestationType)
	if err != nil {
		return fmt.Errorf("attestation type %q: %w", attestationType, err)
	}
	switch at {
	case DummyAttestation:
		expected, _ := DumyAttestationProvider{}.Attest(reportData)
		if !bytes.Equal(expected, attestation) {
			return errors.New("dummy attestation does not match report data")
		}
		return nil
	default:
		_, err := VerifyDCAPAttestation(reportData, attestation)
		return err
	}
}

type RemoteAttestationProvider struct {
	Address string
}

func (*RemoteAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (p *RemoteAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	extraDataHex := hex.EncodeToString(reportData[:])

	url := fmt.Sprintf("%s/attest/%s", p.Address, extraDataHex)
	resp, err := http.DefaultClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	// Check response status
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	// Read the quote
	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

type DCAPAttestationProvider struct{}

func (DCAPAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (DCAPAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
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

type DumyAttestationProvider struct{}

func (DumyAttestationProvider) AttestationType() AttestationType {
	return DummyAttestation
}

func (DumyAttestationProvider) Attest(userData [64]byte) ([]byte, error) {
	return []byte(fmt.Sprintf("Dummy attestation for %x", userData)), nil
}

func VerifyDCAPAttestation(reportData [64]byte, report []byte) (map[int]string, error) {
	protoQuote, err := tdx_abi.QuoteToProto(report)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, err := func() (*tdx_pb.QuoteV4, error) {
		switch q := protoQuote.(type) {
		case *tdx_pb.QuoteV4:
			return q, nil
		default:
			return nil, fmt.Errorf("unsupported quote type: %T", q)
		}
	}()
	if err != nil {
		return nil, err
	}

	options := verify.DefaultOptions()
	// TODO: fetch collateral before verifying to distinguish the error better
	err = verify.TdxQuote(protoQuote, options)
	if err != nil {
		return nil, fmt.Errorf("quote verification failed: %w", err)
	}

	if !bytes.Equal(v4Quote.TdQuoteBody.ReportData, reportData[:]) {
		return nil, fmt.Errorf("invalid report data %x, expected %x", v4Quote.TdQuoteBody.ReportData, reportData[:])
	}

	measurements := map[int]string{
		0: hex.EncodeToString(v4Quote.TdQuoteBody.MrTd),
		1: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[0]),
		2: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[1]),
		3: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[2]),
		4: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[3]),
		5: hex.EncodeToString(v4Quote.TdQuoteBody.MrConfigId),
		6: hex.EncodeToString(v4Quote.TdQuoteBody.MrOwner),
		7: hex.EncodeToString(v4Quote.TdQuoteBody.MrOwnerConfig),
	}

	return measurements, nil
}
