package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// TranscribeRequest is one audio segment to transcribe on a node.
type TranscribeRequest struct {
	Address    string
	Capability string
	WAV        []byte
	Language   string // optional hint
	Prompt     string // optional context from preceding segments
}

type transcribeResponse struct {
	Text string `json:"text"`
}

// Transcribe sends one WAV segment to a node and returns the recognized
// text. The request body is multipart form data, compatible with the OpenAI
// transcription API shape the nodes expose.
func (c *Client) Transcribe(ctx context.Context, req TranscribeRequest) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	part, err := form.CreateFormFile("file", "a.wav")
	if err != nil {
		return "", fmt.Errorf("build transcribe form: %w", err)
	}
	if _, err := part.Write(req.WAV); err != nil {
		return "", fmt.Errorf("build transcribe form: %w", err)
	}
	if err := form.WriteField("temperature", "0"); err != nil {
		return "", fmt.Errorf("build transcribe form: %w", err)
	}
	if req.Language != "" {
		if err := form.WriteField("language", req.Language); err != nil {
			return "", fmt.Errorf("build transcribe form: %w", err)
		}
	}
	if req.Prompt != "" {
		if err := form.WriteField("prompt", req.Prompt); err != nil {
			return "", fmt.Errorf("build transcribe form: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("build transcribe form: %w", err)
	}

	url := fmt.Sprintf("http://%s/transcribe", req.Address)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("build transcribe request: %w", err)
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	httpReq.Header.Set(CapabilitiesHeader, req.Capability)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("transcribe on %s: %w", req.Address, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read transcribe response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcribe on %s: status %d: %s", req.Address, resp.StatusCode, data)
	}

	var item transcribeResponse
	if err := json.Unmarshal(data, &item); err != nil {
		return "", fmt.Errorf("parse transcribe response: %w", err)
	}
	return item.Text, nil
}
