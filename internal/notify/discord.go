package notify

import (
	"context"
	"fmt"
	"net/http"
)

// Embed colours per event.
var discordColors = map[string]int{
	EventPositionOpened: 0x2ecc71,
	EventPositionClosed: 0x3498db,
	EventTxReverted:     0xe74c3c,
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
}

// DiscordSender posts messages to a webhook as a single embed.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: httpClient}
}

// Send posts msg. Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, msg Message) error {
	embed := discordEmbed{
		Title:       msg.Title,
		Description: msg.Body,
		Color:       discordColors[msg.Event],
	}
	for _, f := range msg.Fields {
		embed.Fields = append(embed.Fields, discordField{Name: f.Name, Value: f.Value, Inline: true})
	}
	if err := postJSON(ctx, d.client, d.webhookURL, map[string]any{"embeds": []discordEmbed{embed}}); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string { return "discord" }
