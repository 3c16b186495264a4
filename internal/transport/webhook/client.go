package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
	"github.com/LeventeLantos/bulk-dispatch/internal/transport"
)

// Dialer opens gateway channels for identities. Each channel carries the
// identity's bearer credential and, when a route is assigned, egresses
// through it via the http.Transport proxy.
type Dialer struct {
	baseURL string
}

func NewDialer(baseURL string) *Dialer {
	return &Dialer{baseURL: baseURL}
}

func (d *Dialer) Dial(identity model.Identity, route *model.Route) (transport.Channel, error) {
	if identity.Credential == "" {
		return nil, &transport.Error{
			Kind: transport.IdentityUnavailable,
			Msg:  fmt.Sprintf("identity %s has no credential", identity.Handle),
		}
	}

	t := &http.Transport{}
	if route != nil && route.Active {
		proxyURL, err := url.Parse(route.URL())
		if err != nil {
			return nil, &transport.Error{
				Kind: transport.IdentityUnavailable,
				Msg:  fmt.Sprintf("bad route %s: %v", route.ID, err),
			}
		}
		t.Proxy = http.ProxyURL(proxyURL)
	}

	return &channel{
		baseURL:    d.baseURL,
		credential: identity.Credential,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: t,
		},
	}, nil
}

type channel struct {
	baseURL    string
	credential string
	client     *http.Client
}

type resolveRequest struct {
	Kind       string `json:"kind"`
	Identifier string `json:"identifier"`
}

type resolveResponse struct {
	NumericID int64  `json:"numericId"`
	Handle    string `json:"handle"`
}

type sendRequest struct {
	To      sendTarget  `json:"to"`
	Content sendContent `json:"content"`
}

type sendTarget struct {
	NumericID int64  `json:"numericId"`
	Handle    string `json:"handle,omitempty"`
}

type sendContent struct {
	Mode             string       `json:"mode"`
	Text             string       `json:"text,omitempty"`
	MediaRef         string       `json:"mediaRef,omitempty"`
	MediaKind        string       `json:"mediaKind,omitempty"`
	ForwardChannel   string       `json:"forwardChannel,omitempty"`
	ForwardMessageID int64        `json:"forwardMessageId,omitempty"`
	Buttons          []sendButton `json:"buttons,omitempty"`
}

type sendButton struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

type errorResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
}

func (c *channel) Resolve(ctx context.Context, r model.Recipient) (transport.Target, error) {
	// Numeric ids are already addressable; no gateway round trip needed.
	if r.Kind == model.KindNumericID {
		id, err := strconv.ParseInt(r.Identifier, 10, 64)
		if err != nil {
			return transport.Target{}, &transport.Error{
				Kind: transport.Unresolvable,
				Msg:  fmt.Sprintf("bad numeric id %q", r.Identifier),
			}
		}
		return transport.Target{NumericID: id}, nil
	}

	body, status, err := c.post(ctx, "/v1/resolve", resolveRequest{
		Kind:       string(r.Kind),
		Identifier: r.Identifier,
	})
	if err != nil {
		return transport.Target{}, err
	}
	if status != http.StatusOK {
		return transport.Target{}, c.classify(status, body, transport.Unresolvable)
	}

	var rr resolveResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return transport.Target{}, &transport.Error{
			Kind: transport.Unclassified,
			Msg:  fmt.Sprintf("failed to decode resolve response: %v body=%q", err, string(body)),
		}
	}
	if rr.NumericID == 0 {
		return transport.Target{}, &transport.Error{
			Kind: transport.Unresolvable,
			Msg:  fmt.Sprintf("gateway returned no id for %q", r.Identifier),
		}
	}
	return transport.Target{NumericID: rr.NumericID, Handle: rr.Handle}, nil
}

func (c *channel) Deliver(ctx context.Context, t transport.Target, content transport.Content) error {
	req := sendRequest{
		To: sendTarget{NumericID: t.NumericID, Handle: t.Handle},
		Content: sendContent{
			Mode:             string(content.Mode),
			Text:             content.Text,
			MediaRef:         content.MediaRef,
			MediaKind:        string(content.MediaKind),
			ForwardChannel:   content.ForwardChannel,
			ForwardMessageID: content.ForwardMessageID,
		},
	}
	for _, b := range content.Buttons {
		req.Content.Buttons = append(req.Content.Buttons, sendButton{Label: b.Label, URL: b.URL})
	}

	body, status, err := c.post(ctx, "/v1/send", req)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return c.classify(status, body, transport.RecipientRejected)
	}
	return nil
}

func (c *channel) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *channel) post(ctx context.Context, path string, payload any) ([]byte, int, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, &transport.Error{Kind: transport.Unclassified, Msg: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, 0, &transport.Error{Kind: transport.Unclassified, Msg: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.credential)

	resp, err := c.client.Do(req)
	if err != nil {
		// Connection-level failures (including a dead route) make the
		// identity unusable for now; the loop rotates to the next one.
		return nil, 0, &transport.Error{Kind: transport.IdentityUnavailable, Msg: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return body, resp.StatusCode, nil
}

// classify maps a gateway reply onto the failure taxonomy. notFoundKind
// distinguishes a 404 on resolve (unresolvable identifier) from a 404 on
// send (recipient gone).
func (c *channel) classify(status int, body []byte, notFoundKind transport.Kind) error {
	var er errorResponse
	_ = json.Unmarshal(body, &er)
	msg := er.Error
	if msg == "" {
		msg = fmt.Sprintf("unexpected status code: %d body=%q", status, string(body))
	}

	switch status {
	case http.StatusTooManyRequests:
		wait := time.Duration(er.RetryAfterSeconds) * time.Second
		if wait <= 0 {
			wait = time.Minute
		}
		return &transport.Error{Kind: transport.Throttled, RetryAfter: wait, Msg: msg}
	case http.StatusForbidden, http.StatusGone:
		return &transport.Error{Kind: transport.RecipientRejected, Msg: msg}
	case http.StatusNotFound:
		return &transport.Error{Kind: notFoundKind, Msg: msg}
	case http.StatusUnauthorized, http.StatusLocked:
		return &transport.Error{Kind: transport.IdentityUnavailable, Msg: msg}
	default:
		return &transport.Error{Kind: transport.Unclassified, Msg: msg}
	}
}
