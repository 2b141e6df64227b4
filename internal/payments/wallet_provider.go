package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultWalletTimeout = 15 * time.Second
	msgNoCapture         = "no capture found for order"
)

// WalletProviderConfig configures the WalletProvider. BaseURL points at the
// wallet platform's REST root and is overridden in tests.
type WalletProviderConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	Logger       Logger
	// HTTPClient overrides the transport used for API calls, used by tests.
	// When nil, an oauth2 client-credentials transport is built from the
	// client id and secret.
	HTTPClient *http.Client
}

// WalletProvider refunds wallet payments. The recorded payment reference is
// the wallet-side order id; the refundable capture is looked up from the
// order before the refund call.
type WalletProvider struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	logger  Logger
}

// NewWalletProvider constructs a wallet adapter. Token acquisition and refresh
// are handled by the oauth2 client-credentials transport, so request paths
// never deal with bearer tokens directly.
func NewWalletProvider(cfg WalletProviderConfig) (*WalletProvider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("wallet: base url is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		clientID := strings.TrimSpace(cfg.ClientID)
		clientSecret := strings.TrimSpace(cfg.ClientSecret)
		if clientID == "" || clientSecret == "" {
			return nil, errors.New("wallet: client credentials are required")
		}
		creds := clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     baseURL + "/v1/oauth2/token",
		}
		httpClient = creds.Client(context.Background())
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWalletTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger
	}

	return &WalletProvider{
		baseURL: baseURL,
		client:  httpClient,
		timeout: timeout,
		logger:  logger,
	}, nil
}

type walletOrder struct {
	ID            string `json:"id"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

type walletRefund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Refund looks up the completed capture for the wallet order named by
// req.PaymentRef and refunds it. An order with no capture resolves to a
// failure outcome without issuing a refund call.
func (p *WalletProvider) Refund(ctx context.Context, req RefundRequest) RefundOutcome {
	if p == nil {
		return Failure("wallet: provider not configured")
	}

	ref := strings.TrimSpace(req.PaymentRef)
	if ref == "" {
		return Failure(msgNoPaymentInfo)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	captureID, outcome := p.lookupCapture(ctx, ref)
	if captureID == "" {
		return outcome
	}

	refund, err := p.refundCapture(ctx, captureID, req)
	if err != nil {
		p.logger(ctx, "payments.wallet.refund.failed", map[string]any{
			"walletOrderId": ref,
			"captureId":     captureID,
			"error":         err.Error(),
		})
		return Failure(err.Error())
	}

	p.logger(ctx, "payments.wallet.refund.succeeded", map[string]any{
		"walletOrderId": ref,
		"captureId":     captureID,
		"refundId":      refund.ID,
	})

	return RefundOutcome{Success: true, RefundID: refund.ID}
}

// lookupCapture returns the refundable capture id for a wallet order, or an
// empty id plus the failure outcome to surface.
func (p *WalletProvider) lookupCapture(ctx context.Context, walletOrderID string) (string, RefundOutcome) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v2/checkout/orders/"+walletOrderID, nil)
	if err != nil {
		return "", Failure(fmt.Sprintf("wallet: build order lookup: %v", err))
	}

	var order walletOrder
	if err := p.do(httpReq, &order); err != nil {
		p.logger(ctx, "payments.wallet.lookup.failed", map[string]any{
			"walletOrderId": walletOrderID,
			"error":         err.Error(),
		})
		return "", Failure(err.Error())
	}

	for _, unit := range order.PurchaseUnits {
		for _, capture := range unit.Payments.Captures {
			if capture.ID != "" {
				return capture.ID, RefundOutcome{}
			}
		}
	}
	return "", Failure(msgNoCapture)
}

func (p *WalletProvider) refundCapture(ctx context.Context, captureID string, req RefundRequest) (*walletRefund, error) {
	payload := map[string]string{}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		payload["note_to_payer"] = reason
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wallet: encode refund request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v2/payments/captures/"+captureID+"/refund", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("wallet: build refund request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		httpReq.Header.Set("PayPal-Request-Id", key)
	}

	var refund walletRefund
	if err := p.do(httpReq, &refund); err != nil {
		return nil, err
	}
	if refund.ID == "" {
		return nil, errors.New("wallet: provider returned no refund id")
	}
	return &refund, nil
}

// do executes a wallet API call and decodes the JSON response into out.
// Non-2xx responses are reported with the platform's error body when present.
func (p *WalletProvider) do(req *http.Request, out any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("wallet: read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("wallet: %s", walletErrorMessage(resp.StatusCode, data))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("wallet: decode response: %w", err)
		}
	}
	return nil
}

func walletErrorMessage(status int, body []byte) string {
	var apiErr struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		if apiErr.Name != "" {
			return fmt.Sprintf("%s: %s", apiErr.Name, apiErr.Message)
		}
		return apiErr.Message
	}
	return fmt.Sprintf("unexpected status %d", status)
}
