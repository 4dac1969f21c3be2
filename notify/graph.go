package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"bitbucket.org/mmdatafocus/audit_tracker/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const graphScope = "https://graph.microsoft.com/.default"

// GraphMailer sends mail as settings.Sender through Microsoft Graph using app-only credentials.
type GraphMailer struct {
	settings config.GraphSettings
	client   *http.Client
}

// NewGraphMailer wraps base with a client-credentials token source. base also carries token requests.
func NewGraphMailer(settings config.GraphSettings, base *http.Client) *GraphMailer {
	if base == nil {
		base = http.DefaultClient
	}
	cc := clientcredentials.Config{
		ClientID:     settings.ClientID,
		ClientSecret: settings.ClientSecret,
		TokenURL:     settings.TokenURL,
		Scopes:       []string{graphScope},
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := cc.Client(tokenCtx)
	client.Timeout = base.Timeout
	return &GraphMailer{settings: settings, client: client}
}

type graphEmailAddress struct {
	Address string `json:"address"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphMessage struct {
	Subject      string           `json:"subject"`
	Body         graphBody        `json:"body"`
	ToRecipients []graphRecipient `json:"toRecipients"`
}

type graphSendMailRequest struct {
	Message         graphMessage `json:"message"`
	SaveToSentItems bool         `json:"saveToSentItems"`
}

func (m *GraphMailer) Send(ctx context.Context, msg Message) (string, error) {
	if len(msg.To) == 0 {
		return "", ErrNoRecipients
	}
	payload := graphSendMailRequest{
		Message: graphMessage{
			Subject: msg.Subject,
			Body:    graphBody{ContentType: "HTML", Content: msg.HTML},
		},
		SaveToSentItems: false,
	}
	for _, to := range msg.To {
		payload.Message.ToRecipients = append(payload.Message.ToRecipients, graphRecipient{EmailAddress: graphEmailAddress{Address: to}})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/users/%s/sendMail", m.settings.BaseURL, url.PathEscape(m.settings.Sender))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("graph sendMail error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return resp.Header.Get("request-id"), nil
}
