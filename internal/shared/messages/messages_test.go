package messages

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMessageText_Render(t *testing.T) {
	text := MessageText{
		Title: "{institutionName} connection expiring",
		Body:  "Expires in {daysUntilExpiry} days",
	}
	data := map[string]string{"institutionName": "Chase", "daysUntilExpiry": "5"}

	if got := text.RenderTitle(data); got != "Chase connection expiring" {
		t.Errorf("RenderTitle() = %q", got)
	}
	if got := text.RenderBody(data); got != "Expires in 5 days" {
		t.Errorf("RenderBody() = %q", got)
	}
	if got := text.RenderBody(nil); got != "Expires in {daysUntilExpiry} days" {
		t.Errorf("RenderBody(nil) = %q, want placeholders untouched", got)
	}
}

func TestMessages_For(t *testing.T) {
	m := Default()
	for _, kind := range []string{"disconnected", "expiring", "connectionFailed"} {
		if _, ok := m.For(kind); !ok {
			t.Errorf("For(%q) not found", kind)
		}
	}
	if _, ok := m.For("birthday"); ok {
		t.Error("For(birthday) should not be found")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications.json")
	content := `{"expiring": {"title": "Heads up", "body": "{institutionName} expires soon"}}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if m.Expiring.Title != "Heads up" {
		t.Errorf("Expiring.Title = %q, want Heads up", m.Expiring.Title)
	}
	if m.Disconnected.Title == "" {
		t.Error("Disconnected should fall back to default copy")
	}
}
