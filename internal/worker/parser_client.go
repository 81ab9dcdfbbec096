package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cvboard/internal/resume"
)

// parseDocument 将简历文档交给外部解析服务并取回结构化结果。
// 解析服务是内部组件，通过 Header 携带 PARSER_INTERNAL_SECRET 访问。
func parseDocument(ctx context.Context, baseURL, secret, filename string, document []byte) (*resume.CVData, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("parser base url missing")
	}

	targetURL := baseURL + "/v1/parse"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("build parser request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Filename", filename)
	if secret = strings.TrimSpace(secret); secret != "" {
		req.Header.Set("X-Internal-Secret", secret)
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request parser service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		return nil, fmt.Errorf("parser service status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var cv resume.CVData
	if err := json.NewDecoder(resp.Body).Decode(&cv); err != nil {
		return nil, fmt.Errorf("decode parser response: %w", err)
	}
	return &cv, nil
}
