// Package collab holds the thin clients for collaborating services. All of
// them are best-effort: a failed call is logged and swallowed, never rolled
// back into the tip or withdrawal flow.
package collab

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// ViewerCountNotifier pushes fire-and-forget tip events to the live-room
// real-time counter service.
type ViewerCountNotifier interface {
	TipReceived(ctx context.Context, liveRoomID, streamerID string, amount decimal.Decimal)
}

// ProfileClient resolves streamer display names for receipts and payout
// confirmations.
type ProfileClient interface {
	DisplayName(ctx context.Context, streamerID string) (string, error)
}

// AnalyticsEmitter ships business events to the analytics ingestion
// endpoint.
type AnalyticsEmitter interface {
	Emit(ctx context.Context, event string, fields map[string]any)
}

type HTTPClients struct {
	client       *resty.Client
	viewerURL    string
	profileURL   string
	analyticsURL string
}

// NewHTTPClients builds resty-backed collaborator clients from viper config.
func NewHTTPClients() *HTTPClients {
	viper.SetDefault("collab.viewer_count_url", "http://localhost:8090")
	viper.SetDefault("collab.profile_url", "http://localhost:8091")
	viper.SetDefault("collab.analytics_url", "http://localhost:8092")
	viper.SetDefault("collab.timeout", 3*time.Second)

	client := resty.New().
		SetTimeout(viper.GetDuration("collab.timeout")).
		SetRetryCount(0)

	return &HTTPClients{
		client:       client,
		viewerURL:    viper.GetString("collab.viewer_count_url"),
		profileURL:   viper.GetString("collab.profile_url"),
		analyticsURL: viper.GetString("collab.analytics_url"),
	}
}

func (c *HTTPClients) TipReceived(ctx context.Context, liveRoomID, streamerID string, amount decimal.Decimal) {
	_, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"liveRoomId": liveRoomID,
			"streamerId": streamerID,
			"amount":     amount,
		}).
		Post(c.viewerURL + "/internal/rooms/tip-received")
	if err != nil {
		log.Printf("[COLLAB] viewer-count notify failed for room %s: %v", liveRoomID, err)
	}
}

func (c *HTTPClients) DisplayName(ctx context.Context, streamerID string) (string, error) {
	var result struct {
		DisplayName string `json:"displayName"`
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&result).
		Get(c.profileURL + "/internal/streamers/" + streamerID)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("profile service returned status %d", resp.StatusCode())
	}
	return result.DisplayName, nil
}

func (c *HTTPClients) Emit(ctx context.Context, event string, fields map[string]any) {
	body := map[string]any{"event": event, "fields": fields, "emittedAt": time.Now()}
	_, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(c.analyticsURL + "/internal/events")
	if err != nil {
		log.Printf("[COLLAB] analytics emit failed for %s: %v", event, err)
	}
}
