package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestOriginPolicy(t *testing.T) {
	configured := []string{"http://localhost:8080", "HTTPS://Chat.Example.com", "not a url", ""}

	tests := []struct {
		name    string
		origins []string
		header  string
		want    bool
	}{
		{name: "Missing Origin header", origins: configured, header: "", want: false},
		{name: "Malformed Origin URL", origins: configured, header: "://bad", want: false},
		{name: "Exact match", origins: configured, header: "http://localhost:8080", want: true},
		{name: "Case insensitive match", origins: configured, header: "https://CHAT.example.COM", want: true},
		{name: "Origin with different port", origins: configured, header: "http://localhost:9090", want: false},
		{name: "Origin with path component ignored", origins: configured, header: "http://localhost:8080/chat", want: true},
		{name: "HTTP vs HTTPS scheme difference", origins: configured, header: "https://localhost:8080", want: false},
		{name: "Unlisted origin", origins: configured, header: "http://evil.example.com", want: false},
		{name: "Wildcard configuration", origins: []string{"*"}, header: "http://anything.test", want: true},
		{name: "Wildcard still needs an origin", origins: []string{"*"}, header: "", want: false},
		{name: "Nothing configured", origins: nil, header: "http://localhost:8080", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := NewOriginPolicy(tt.origins, zerolog.Nop())
			req := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Origin", tt.header)
			}
			assert.Equal(t, tt.want, policy.CheckOrigin(req))
		})
	}
}

func TestOriginPolicyCORSOrigins(t *testing.T) {
	policy := NewOriginPolicy([]string{"http://localhost:8080", "https://chat.example.com/"}, zerolog.Nop())
	assert.ElementsMatch(t, []string{"http://localhost:8080", "https://chat.example.com"}, policy.CORSOrigins())

	wildcard := NewOriginPolicy([]string{"*", "http://localhost:8080"}, zerolog.Nop())
	assert.Equal(t, []string{"*"}, wildcard.CORSOrigins())
}
