package caption

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image_ingest/internal/models"
)

func TestHTTPCaptioner(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr bool
	}{
		{"hugging face list", http.StatusOK, `[{"generated_text":"a dog running on grass"}]`, "a dog running on grass", false},
		{"plain object", http.StatusOK, `{"caption":" a red car "}`, "a red car", false},
		{"empty list", http.StatusOK, `[]`, "", true},
		{"not json", http.StatusOK, `hello`, "", true},
		{"model loading", http.StatusServiceUnavailable, `{"error":"Model is currently loading"}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
				body, _ := io.ReadAll(r.Body)
				assert.Equal(t, []byte("img"), body)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewHTTPCaptioner(srv.URL, "secret", time.Second)
			got, err := c.Caption(context.Background(), []byte("img"))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHTTPCaptioner_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTPCaptioner(srv.URL, "", 5*time.Second).Caption(ctx, []byte("img"))
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	c := New(models.CaptionConfig{Enabled: false})
	assert.False(t, c.Enabled())
	_, err := c.Caption(context.Background(), nil)
	assert.ErrorIs(t, err, ErrDisabled)

	c = New(models.CaptionConfig{Enabled: true, Endpoint: "http://localhost:1"})
	assert.True(t, c.Enabled())
}
