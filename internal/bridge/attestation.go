package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"vaultBridge/internal/model"
	"vaultBridge/internal/vaulterr"
)

// Attestation authorizes a destination mint.
type Attestation struct {
	Payload   string `json:"attestation"`
	Signature string `json:"signature"`
}

// Attester requests attestations for signed intents.
type Attester interface {
	Request(ctx context.Context, intent model.TransferIntent, signature string) (Attestation, error)
}

// HTTPAttester talks to the attestation service over HTTP.
type HTTPAttester struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewHTTPAttester(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPAttester {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPAttester{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type attestationRequest struct {
	Intent    intentJSON `json:"intent"`
	Signature string     `json:"signature"`
}

type intentJSON struct {
	SourceDomain      uint32 `json:"sourceDomain"`
	DestinationDomain uint32 `json:"destinationDomain"`
	Amount            string `json:"amount"`
	Depositor         string `json:"depositor"`
	Recipient         string `json:"recipient"`
	Nonce             string `json:"nonce"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Request posts the signed intent. Every failure, including transport
// errors and malformed responses, is an Attestation error.
func (a *HTTPAttester) Request(ctx context.Context, intent model.TransferIntent, signature string) (Attestation, error) {
	const op = "bridge.attest"

	body, err := json.Marshal(attestationRequest{
		Intent: intentJSON{
			SourceDomain:      intent.SourceDomain,
			DestinationDomain: intent.DestinationDomain,
			Amount:            model.AmountString(intent.Amount),
			Depositor:         intent.Depositor.Hex(),
			Recipient:         intent.Recipient.Hex(),
			Nonce:             intent.Nonce.Hex(),
		},
		Signature: signature,
	})
	if err != nil {
		return Attestation{}, vaulterr.Attestation(op, fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/attestations", bytes.NewReader(body))
	if err != nil {
		return Attestation{}, vaulterr.Attestation(op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return Attestation{}, vaulterr.Attestation(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Attestation{}, vaulterr.Attestation(op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &eb) == nil {
			if eb.Message != "" {
				msg = eb.Message
			} else if eb.Error != "" {
				msg = eb.Error
			}
		}
		a.logger.Warn("attestation declined", zap.Int("status", resp.StatusCode), zap.String("message", msg))
		return Attestation{}, vaulterr.Attestation(op, fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}

	var out Attestation
	if err := json.Unmarshal(raw, &out); err != nil {
		return Attestation{}, vaulterr.Attestation(op, fmt.Errorf("decode response: %w", err))
	}
	if out.Payload == "" || out.Signature == "" {
		return Attestation{}, vaulterr.Attestation(op, fmt.Errorf("response missing attestation or signature"))
	}
	return out, nil
}
