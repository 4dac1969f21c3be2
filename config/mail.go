package config

import (
	"os"
	"strings"
)

const (
	NotifyTransportGraph  = "graph"
	NotifyTransportPubSub = "pubsub"
	NotifyTransportLog    = "log"
)

// GraphSettings holds the service principal used to send mail through Microsoft Graph.
type GraphSettings struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
	// BaseURL and TokenURL are overridable for tests.
	BaseURL  string
	TokenURL string
}

func (s GraphSettings) Configured() bool {
	return s.TenantID != "" && s.ClientID != "" && s.ClientSecret != "" && s.Sender != ""
}

func GetGraphSettings() GraphSettings {
	s := GraphSettings{
		TenantID:     strings.TrimSpace(os.Getenv("GRAPH_TENANT_ID")),
		ClientID:     strings.TrimSpace(os.Getenv("GRAPH_CLIENT_ID")),
		ClientSecret: strings.TrimSpace(os.Getenv("GRAPH_CLIENT_SECRET")),
		Sender:       strings.TrimSpace(os.Getenv("GRAPH_SENDER")),
		BaseURL:      strings.TrimRight(strings.TrimSpace(os.Getenv("GRAPH_BASE_URL")), "/"),
	}
	if s.BaseURL == "" {
		s.BaseURL = "https://graph.microsoft.com/v1.0"
	}
	s.TokenURL = "https://login.microsoftonline.com/" + s.TenantID + "/oauth2/v2.0/token"
	return s
}

// NotifyTransport selects how queued notifications leave the process.
// Defaults to graph when credentials exist, else log.
func NotifyTransport() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("NOTIFY_TRANSPORT")))
	switch v {
	case NotifyTransportGraph, NotifyTransportPubSub, NotifyTransportLog:
		return v
	}
	if GetGraphSettings().Configured() {
		return NotifyTransportGraph
	}
	return NotifyTransportLog
}

func PubSubMailTopic() string {
	return strings.TrimSpace(os.Getenv("PUBSUB_MAIL_TOPIC"))
}
