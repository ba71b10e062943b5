// Package sqala adapts the Sqala payment API to the settlement engine's
// provider contract. Every response is normalized into a ProviderResult;
// raw provider bodies never leave this package except through logs.
package sqala

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/ticketeria/ticketeria/internal/domain"
	"github.com/ticketeria/ticketeria/internal/observability"
	"github.com/ticketeria/ticketeria/internal/settlement"
)

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	logger  observability.Logger
}

func NewClient(baseURL, apiKey string, logger observability.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

func endpointFor(method domain.PaymentMethod) (string, error) {
	switch method {
	case domain.MethodPix:
		return "/pix", nil
	case domain.MethodCreditCard:
		return "/credit-card", nil
	case domain.MethodBoleto:
		return "/boleto", nil
	case domain.MethodBankTransfer:
		return "/bank-transfers", nil
	case domain.MethodITP:
		return "/itp", nil
	}
	return "", errors.Wrapf(domain.ErrInvalidInput, "unsupported payment method %q", method)
}

type chargeResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	PaymentURL string `json:"payment_url"`
	QRCode     string `json:"qr_code"`
	BarCode    string `json:"bar_code"`
}

// Charge creates a payment for the order amount. Card charges are approved
// synchronously by the provider and come back CONFIRMED; the other methods
// stay PENDING until a later poll or callback.
func (c *Client) Charge(ctx context.Context, method domain.PaymentMethod, amount decimal.Decimal, details settlement.PaymentDetails) (settlement.ProviderResult, error) {
	endpoint, err := endpointFor(method)
	if err != nil {
		return settlement.ProviderResult{}, err
	}

	payload := chargePayload(method, amount, details)
	body, status, err := c.do(ctx, http.MethodPost, endpoint, payload, "charge", string(method))
	if err != nil {
		return settlement.ProviderResult{}, err
	}
	if status >= 400 {
		// Declined, not unreachable. Body stays server-side.
		c.logger.WithField("order_id", details.OrderID.String()).WithField("http_status", status).Warn("provider declined charge")
		return settlement.ProviderResult{Status: settlement.ProviderFailed}, nil
	}

	var resp chargeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return settlement.ProviderResult{}, errors.Wrap(domain.ErrProviderUnavailable, "malformed provider response")
	}

	result := settlement.ProviderResult{
		Status:    settlement.ProviderPending,
		PaymentID: resp.ID,
		Metadata:  map[string]string{},
	}
	if method == domain.MethodCreditCard {
		result.Status = settlement.ProviderConfirmed
	}
	if resp.PaymentURL != "" {
		result.Metadata["payment_url"] = resp.PaymentURL
	}
	if resp.QRCode != "" {
		result.Metadata["qr_code"] = resp.QRCode
	}
	if resp.BarCode != "" {
		result.Metadata["bar_code"] = resp.BarCode
	}
	return result, nil
}

func chargePayload(method domain.PaymentMethod, amount decimal.Decimal, d settlement.PaymentDetails) map[string]interface{} {
	payload := map[string]interface{}{
		"amount":      amount.InexactFloat64(),
		"description": fmt.Sprintf("Ticket purchase - order %s", d.OrderID),
	}
	switch method {
	case domain.MethodPix:
		payload["name"] = d.Name
		payload["cpf"] = d.CPF
		payload["require_cpf"] = d.RequireCPF
		payload["enable_split"] = d.EnableSplit
	case domain.MethodCreditCard:
		card := map[string]interface{}{}
		if d.Card != nil {
			card["number"] = d.Card.Number
			card["holder_name"] = d.Card.HolderName
			card["expiration_date"] = d.Card.ExpirationDate
			card["cvv"] = d.Card.CVV
			payload["installments"] = d.Card.Installments
		}
		payload["card"] = card
	case domain.MethodBoleto:
		payload["customer"] = map[string]interface{}{
			"name": d.Name, "cpf": d.CPF, "email": d.Email, "phone": d.Phone,
		}
	case domain.MethodBankTransfer:
		payload["customer"] = map[string]interface{}{
			"name": d.Name, "cpf": d.CPF, "email": d.Email,
		}
	case domain.MethodITP:
		payload["customer"] = map[string]interface{}{
			"name": d.Name, "cpf": d.CPF, "email": d.Email,
		}
		payload["bank"] = d.Bank
	}
	return payload
}

// PollStatus fetches the provider's view of a payment and maps its status
// vocabulary into ours.
func (c *Client) PollStatus(ctx context.Context, paymentID string, method domain.PaymentMethod) (settlement.ProviderResult, error) {
	endpoint, err := endpointFor(method)
	if err != nil {
		return settlement.ProviderResult{}, err
	}

	body, status, err := c.do(ctx, http.MethodGet, endpoint+"/"+paymentID, nil, "poll", string(method))
	if err != nil {
		return settlement.ProviderResult{}, err
	}
	if status >= 400 {
		c.logger.WithField("payment_id", paymentID).WithField("http_status", status).Warn("provider status check failed")
		return settlement.ProviderResult{}, errors.Wrapf(domain.ErrProviderUnavailable, "status check returned %d", status)
	}

	var resp chargeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return settlement.ProviderResult{}, errors.Wrap(domain.ErrProviderUnavailable, "malformed provider response")
	}
	return settlement.ProviderResult{
		Status:    normalizeStatus(resp.Status),
		PaymentID: paymentID,
	}, nil
}

func normalizeStatus(s string) settlement.ProviderStatus {
	switch strings.ToUpper(s) {
	case "PAID", "CONFIRMED", "SUCCEEDED", "APPROVED":
		return settlement.ProviderConfirmed
	case "FAILED", "CANCELED", "REFUSED", "EXPIRED":
		return settlement.ProviderFailed
	}
	return settlement.ProviderPending
}

// Refund reverses a payment. The provider supports refunds for PIX and
// credit card only.
func (c *Client) Refund(ctx context.Context, paymentID string, method domain.PaymentMethod) (settlement.ProviderResult, error) {
	if method != domain.MethodPix && method != domain.MethodCreditCard {
		return settlement.ProviderResult{}, errors.Wrapf(domain.ErrRefundRejected, "refund not supported for %s", method)
	}
	endpoint, _ := endpointFor(method)

	body, status, err := c.do(ctx, http.MethodPost, endpoint+"/"+paymentID+"/refund", map[string]interface{}{}, "refund", string(method))
	if err != nil {
		return settlement.ProviderResult{}, err
	}
	if status >= 400 {
		c.logger.WithField("payment_id", paymentID).WithField("http_status", status).Warn("provider rejected refund")
		return settlement.ProviderResult{}, errors.Wrapf(domain.ErrRefundRejected, "provider returned %d", status)
	}

	var resp chargeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return settlement.ProviderResult{}, errors.Wrap(domain.ErrProviderUnavailable, "malformed provider response")
	}
	return settlement.ProviderResult{Status: settlement.ProviderConfirmed, PaymentID: resp.ID}, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload interface{}, operation, payMethod string) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpc.Do(req)
	observability.ProviderCallDuration.WithLabelValues(operation, payMethod).Observe(time.Since(start).Seconds())
	if err != nil {
		c.logger.WithError(err).Error("provider request failed")
		return nil, 0, errors.Wrap(domain.ErrProviderUnavailable, "provider unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, errors.Wrap(domain.ErrProviderUnavailable, "reading provider response")
	}
	if resp.StatusCode >= 500 {
		c.logger.WithField("http_status", resp.StatusCode).WithField("body", string(body)).Error("provider error response")
		return nil, 0, errors.Wrapf(domain.ErrProviderUnavailable, "provider returned %d", resp.StatusCode)
	}
	return body, resp.StatusCode, nil
}
