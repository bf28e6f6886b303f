package cloudinary

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(url string) *Client {
	c := New("demo", "key", "secret", "faces")
	c.BaseURL = url
	c.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	return c
}

func TestSign(t *testing.T) {
	c := testClient("")
	sig := c.sign(map[string]string{"timestamp": "1772442000", "folder": "faces", "api_key": "key", "file": "x"})
	assert.Equal(t, "a138d49f621279e0578e951c3509ab22cbf2c107", sig)
}

func TestUploadBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1_1/demo/image/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "key", r.FormValue("api_key"))
		assert.Equal(t, "faces", r.FormValue("folder"))
		assert.Equal(t, "1772442000", r.FormValue("timestamp"))
		assert.Equal(t, "a138d49f621279e0578e951c3509ab22cbf2c107", r.FormValue("signature"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, err := io.ReadAll(f)
		require.NoError(t, err)
		assert.Equal(t, "s-1.jpg", hdr.Filename)
		assert.Equal(t, []byte("jpeg"), data)

		_, _ = w.Write([]byte(`{"public_id":"faces/s-1","secure_url":"https://res.example/faces/s-1.jpg","width":640,"height":480}`))
	}))
	defer srv.Close()

	res, err := testClient(srv.URL).UploadBytes(context.Background(), []byte("jpeg"), "s-1.jpg")
	require.NoError(t, err)
	assert.Equal(t, "faces/s-1", res.PublicID)
	assert.Equal(t, "https://res.example/faces/s-1.jpg", res.SecureURL)
	assert.Equal(t, 640, res.Width)
}

func TestUploadBase64AddsDataPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "data:image/jpeg;base64,AAAA", r.FormValue("file"))
		_, _ = w.Write([]byte(`{"secure_url":"https://res.example/x.jpg"}`))
	}))
	defer srv.Close()

	res, err := testClient(srv.URL).UploadBase64(context.Background(), "AAAA")
	require.NoError(t, err)
	assert.Equal(t, "https://res.example/x.jpg", res.SecureURL)
}

func TestUploadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"Invalid Signature"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).UploadBase64(context.Background(), "data:image/png;base64,AAAA")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid Signature")
}
