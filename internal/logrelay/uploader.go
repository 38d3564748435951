package logrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// HTTPUploader ships log files to an external log hosting service as a
// multipart POST and reads back the public URL.
type HTTPUploader struct {
	URL    string
	APIKey string
	Client *http.Client
}

func NewHTTPUploader(url, apiKey string) *HTTPUploader {
	return &HTTPUploader{URL: url, APIKey: apiKey, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (u *HTTPUploader) Upload(ctx context.Context, mapName string, gameNumber int64, logFile string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{
		"title": fmt.Sprintf("Game #%d", gameNumber),
		"map":   mapName,
	}
	if u.APIKey != "" {
		fields["key"] = u.APIKey
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", err
		}
	}
	fw, err := mw.CreateFormFile("logfile", "game_"+strconv.FormatInt(gameNumber, 10)+".log")
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(fw, logFile); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("log upload rejected: %s: %s", resp.Status, snippet)
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding upload response: %w", err)
	}
	return out.URL, nil
}
