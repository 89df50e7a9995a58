// Package remote persist.Uploader 的实现：中继的画布接口和对象存储
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"canvasCollab/backend/internal/persist"
)

// HTTPUploader PUT {baseURL}/canvases/{canvasId}
type HTTPUploader struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ persist.Uploader = (*HTTPUploader)(nil)

func NewHTTPUploader(baseURL, token string) *HTTPUploader {
	return &HTTPUploader{
		// 统一去掉结尾的 /，避免拼出双斜杠
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (u *HTTPUploader) SaveCanvas(ctx context.Context, canvasID string, data []byte) error {
	endpoint := u.baseURL + "/canvases/" + url.PathEscape(canvasID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var e apiError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e) // 尽力解析错误信息
	if e.Code != "" {
		return fmt.Errorf("remote: %s %s: %s", resp.Status, e.Code, e.Message)
	}
	return fmt.Errorf("remote: %s", resp.Status)
}
