package backend

import "testing"

func TestIsGeminiURL(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"https://api.openai.com/v1", false},
		{"https://generativelanguage.googleapis.com/v1beta", true},
		{"https://my-proxy.internal/generativelanguage.googleapis.com-mirror", true},
	}
	for _, c := range cases {
		o := NewOpenAI(c.url, "model", 0.1, 128, 0, "key")
		if got := o.isGeminiURL(); got != c.want {
			t.Errorf("isGeminiURL(%q) = %v, want %v", c.url, got, c.want)
		}
	}
}
