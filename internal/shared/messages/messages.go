package messages

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

type MessageText struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// RenderTitle substitutes {key} placeholders in the title.
func (m MessageText) RenderTitle(data map[string]string) string {
	return render(m.Title, data)
}

// RenderBody substitutes {key} placeholders in the body.
func (m MessageText) RenderBody(data map[string]string) string {
	return render(m.Body, data)
}

func render(s string, data map[string]string) string {
	if len(data) == 0 || !strings.Contains(s, "{") {
		return s
	}
	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// Messages holds the notification copy keyed by notification kind.
type Messages struct {
	Disconnected     MessageText `json:"disconnected"`
	Expiring         MessageText `json:"expiring"`
	ConnectionFailed MessageText `json:"connectionFailed"`
}

// For returns the text for a notification kind.
func (m *Messages) For(kind string) (MessageText, bool) {
	var text MessageText
	switch kind {
	case "disconnected":
		text = m.Disconnected
	case "expiring":
		text = m.Expiring
	case "connectionFailed":
		text = m.ConnectionFailed
	default:
		return MessageText{}, false
	}
	return text, text.Title != ""
}

// Default returns the built-in copy used when no messages file is configured.
func Default() *Messages {
	return &Messages{
		Disconnected: MessageText{
			Title: "{institutionName} needs your attention",
			Body:  "We lost access to {institutionName}. Reconnect it to keep your balances and transactions up to date.",
		},
		Expiring: MessageText{
			Title: "{institutionName} connection expiring",
			Body:  "Your {institutionName} connection expires in {daysUntilExpiry} days. Open the app to keep it active.",
		},
		ConnectionFailed: MessageText{
			Title: "Could not restore {institutionName}",
			Body:  "We tried several times to reconnect {institutionName} without success. Please reconnect it manually.",
		},
	}
}

var (
	loaded   Messages
	loadOnce sync.Once
	loadErr  error
)

// Load reads the notifications JSON file and caches the result.
// Kinds missing from the file fall back to the built-in copy.
// Safe to call from multiple goroutines.
func Load(path string) (*Messages, error) {
	loadOnce.Do(func() {
		data, err := os.ReadFile(path)
		if err != nil {
			loadErr = fmt.Errorf("failed to read messages file: %w", err)
			return
		}
		loaded = *Default()
		if err := json.Unmarshal(data, &loaded); err != nil {
			loadErr = fmt.Errorf("failed to parse messages file: %w", err)
		}
	})
	if loadErr != nil {
		return nil, loadErr
	}
	return &loaded, nil
}
