// Package provider talks to the messaging provider's template message API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// TemplateMessage is one resolved send request.
type TemplateMessage struct {
	To           string
	TemplateName string
	Language     string
	HeaderParams []string
	BodyParams   []string
}

// Sender sends a template message and returns the provider message id.
type Sender interface {
	SendTemplate(ctx context.Context, cred model.Credential, msg TemplateMessage) (string, error)
}

// Error is a provider-side rejection or transport failure.
type Error struct {
	Code       string
	Message    string
	HTTPStatus int
}

func (e *Error) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("provider error %s (http %d): %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// Limiter caps requests from this process across all campaigns.
	Limiter *rate.Limiter
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// WithRateLimit caps sends at perSecond. Zero or less leaves the client
// uncapped.
func (c *Client) WithRateLimit(perSecond int) *Client {
	if perSecond > 0 {
		c.Limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return c
}

type sendRequest struct {
	MessagingProduct string          `json:"messaging_product"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Template         templatePayload `json:"template"`
}

type templatePayload struct {
	Name       string      `json:"name"`
	Language   language    `json:"language"`
	Components []component `json:"components,omitempty"`
}

type language struct {
	Code string `json:"code"`
}

type component struct {
	Type       string      `json:"type"`
	Parameters []parameter `json:"parameters"`
}

type parameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func buildRequest(msg TemplateMessage) sendRequest {
	lang := msg.Language
	if lang == "" {
		lang = "en"
	}
	req := sendRequest{
		MessagingProduct: "whatsapp",
		To:               msg.To,
		Type:             "template",
		Template: templatePayload{
			Name:     msg.TemplateName,
			Language: language{Code: lang},
		},
	}
	if len(msg.HeaderParams) > 0 {
		req.Template.Components = append(req.Template.Components, component{Type: "header", Parameters: textParams(msg.HeaderParams)})
	}
	if len(msg.BodyParams) > 0 {
		req.Template.Components = append(req.Template.Components, component{Type: "body", Parameters: textParams(msg.BodyParams)})
	}
	return req
}

func textParams(values []string) []parameter {
	out := make([]parameter, len(values))
	for i, v := range values {
		out[i] = parameter{Type: "text", Text: v}
	}
	return out
}

// SendTemplate posts the message. Any failure, including transport errors
// and timeouts, is returned as *Error so callers can record it per recipient.
func (c *Client) SendTemplate(ctx context.Context, cred model.Credential, msg TemplateMessage) (string, error) {
	body, err := json.Marshal(buildRequest(msg))
	if err != nil {
		return "", &Error{Code: "encode", Message: err.Error()}
	}

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return "", &Error{Code: "rate_limited", Message: err.Error()}
		}
	}

	url := fmt.Sprintf("%s/%s/messages", c.BaseURL, cred.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Code: "request", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", &Error{Code: "network", Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &Error{Code: "network", Message: err.Error(), HTTPStatus: resp.StatusCode}
	}

	var out sendResponse
	if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 300 {
		return "", &Error{Code: "decode", Message: err.Error(), HTTPStatus: resp.StatusCode}
	}
	if out.Error != nil {
		return "", &Error{Code: strconv.Itoa(out.Error.Code), Message: out.Error.Message, HTTPStatus: resp.StatusCode}
	}
	if resp.StatusCode >= 300 {
		return "", &Error{Code: "http_" + strconv.Itoa(resp.StatusCode), Message: strings.TrimSpace(string(raw)), HTTPStatus: resp.StatusCode}
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", &Error{Code: "no_message_id", Message: "provider response carried no message id", HTTPStatus: resp.StatusCode}
	}
	return out.Messages[0].ID, nil
}

var _ Sender = (*Client)(nil)
