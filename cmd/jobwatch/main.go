// jobwatch 上传一份简历文档并实时跟踪解析任务，直到任务结束。
//
// 用法：
//
//	jobwatch -server http://localhost:8080 -token <access_token> -file resume.pdf
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cvboard/internal/config"
	"cvboard/internal/notify"
	"cvboard/internal/resume"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "API 服务地址")
	token := flag.String("token", "", "访问令牌")
	file := flag.String("file", "", "待解析的简历文档路径")
	timeout := flag.Duration("timeout", 5*time.Minute, "等待任务结束的最长时间")
	flag.Parse()

	if *token == "" || *file == "" {
		flag.Usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	jobID, err := uploadDocument(*server, *token, *file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "上传失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("任务已创建: %s\n", jobID)

	wsURL, err := websocketURL(*server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "无效的服务地址: %v\n", err)
		os.Exit(1)
	}

	done := make(chan int, 1)
	mgr := notify.NewConnManager(wsURL, logger, cfg.Notify.Options())
	tracker := notify.OpenTracker(mgr, *token, jobID, notify.Hooks{
		OnComplete: func(resumeID string, cv *resume.CVData) {
			fmt.Printf("解析完成，简历 ID: %s\n", resumeID)
			if cv != nil && cv.Name != "" {
				fmt.Printf("候选人: %s\n", cv.Name)
			}
			done <- 0
		},
		OnFailed: func(errorMessage string) {
			fmt.Fprintf(os.Stderr, "解析失败: %s\n", errorMessage)
			done <- 1
		},
	})
	defer tracker.Close()
	defer mgr.Disconnect()

	go reportProgress(tracker, done)

	select {
	case code := <-done:
		os.Exit(code)
	case <-time.After(*timeout):
		fmt.Fprintln(os.Stderr, "等待超时，任务仍未结束")
		os.Exit(1)
	}
}

// reportProgress 只在进度文案变化时打印，避免刷屏。
func reportProgress(tracker *notify.Tracker, done <-chan int) {
	var last string
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if progress := tracker.Progress(); progress != last {
				fmt.Println(progress)
				last = progress
			}
		}
	}
}

func uploadDocument(server, token, path string) (string, error) {
	document, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(document); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(server, "/")+"/v1/resumes/parse", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("上传接口返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var payload struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("解析上传响应失败: %w", err)
	}
	if payload.JobID == "" {
		return "", fmt.Errorf("上传响应缺少 job_id")
	}
	return payload.JobID, nil
}

// websocketURL 把 HTTP 服务地址转换为通知通道地址。
func websocketURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("不支持的协议: %s", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/ws"
	return u.String(), nil
}
