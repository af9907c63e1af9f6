package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// FCMTransport posts JSON to an FCM HTTP v1 style endpoint using a server
// key or oauth token.
type FCMTransport struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMTransport(endpoint, key string) *FCMTransport {
	return &FCMTransport{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMTransport) Push(ctx context.Context, token string, kind Kind, data map[string]any) error {
	body := map[string]any{
		"message": map[string]any{
			"token": token,
			"data": map[string]any{
				"type":    string(kind),
				"payload": data,
			},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("push endpoint returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
