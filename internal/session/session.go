package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/LJTian/NewsHub/internal/collector"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
)

const (
	defaultClientTimeout = 10 * time.Second
	maxMessageBytes      = 64 * 1024
)

var ErrNotLoggedIn = errors.New("not logged in")

// AuthError 登录 / 登出被服务端拒绝，Message 为服务端原文
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string { return e.Message }

// AuthorizationError 删除被拒绝（不是作者），Message 为服务端原文
type AuthorizationError struct {
	StatusCode int
	Message    string
}

func (e *AuthorizationError) Error() string { return e.Message }

// ServerError 其它非预期状态，Message 为服务端原文
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string { return e.Message }

// PostResult 发布成功时服务端返回的内容
type PostResult struct {
	Message string `json:"message"`
	StoryID any    `json:"story_id"`
}

// Session 当前登录的机构与登录状态。
// 只有 Login / Logout 会修改状态，其余调用方只读。
type Session struct {
	mu       sync.RWMutex
	baseURL  string
	loggedIn bool

	client *http.Client
	logger *zap.Logger
}

// New 创建带 cookie jar 的会话，机构的登录 cookie 在后续请求中自动携带
func New(timeout time.Duration, logger *zap.Logger) (*Session, error) {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("session: cookie jar: %w", err)
	}
	return &Session{
		client: &http.Client{Timeout: timeout, Jar: jar},
		logger: logger,
	}, nil
}

func (s *Session) LoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggedIn
}

func (s *Session) BaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseURL
}

// HTTPClient 供查询机构时复用同一个 cookie jar
func (s *Session) HTTPClient() *http.Client {
	return s.client
}

// Login 向 baseURL 登录，成功后返回服务端文本
func (s *Session) Login(ctx context.Context, baseURL, username, password string) (string, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return "", fmt.Errorf("session: url is required")
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}

	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/login/", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("session: login: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	status, body, err := s.do(req)
	if err != nil {
		return "", fmt.Errorf("session: login: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if status != http.StatusOK {
		s.logger.Warn("login rejected", zap.String("url", baseURL), zap.Int("status", status))
		return "", &AuthError{StatusCode: status, Message: body}
	}
	s.baseURL = baseURL
	s.loggedIn = true
	s.logger.Info("logged in", zap.String("url", baseURL), zap.String("user", username))
	return body, nil
}

func (s *Session) Logout(ctx context.Context) (string, error) {
	base, ok := s.current()
	if !ok {
		return "", ErrNotLoggedIn
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/logout/", nil)
	if err != nil {
		return "", fmt.Errorf("session: logout: %w", err)
	}
	status, body, err := s.do(req)
	if err != nil {
		return "", fmt.Errorf("session: logout: %w", err)
	}
	if status != http.StatusOK {
		return "", &AuthError{StatusCode: status, Message: body}
	}

	s.mu.Lock()
	s.loggedIn = false
	s.mu.Unlock()
	s.logger.Info("logged out", zap.String("url", base))
	return body, nil
}

// PostStory 发布到当前登录的机构
func (s *Session) PostStory(ctx context.Context, draft collector.StoryDraft) (*PostResult, error) {
	base, ok := s.current()
	if !ok {
		return nil, ErrNotLoggedIn
	}
	if err := draft.Validate(); err != nil {
		return nil, fmt.Errorf("session: post: %w", err)
	}

	payload, err := json.Marshal(draft)
	if err != nil {
		return nil, fmt.Errorf("session: post: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/stories/", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("session: post: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	status, body, err := s.do(req)
	if err != nil {
		return nil, fmt.Errorf("session: post: %w", err)
	}
	if status != http.StatusCreated {
		return nil, &ServerError{StatusCode: status, Message: body}
	}

	var out PostResult
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		// 已经创建成功，响应体格式不对不影响结果
		s.logger.Warn("decode post response failed", zap.Error(err))
		out.Message = body
	}
	return &out, nil
}

// DeleteStory 只能删除自己发布的新闻；是否为作者由服务端判断
func (s *Session) DeleteStory(ctx context.Context, key string) (string, error) {
	base, ok := s.current()
	if !ok {
		return "", ErrNotLoggedIn
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("session: delete: story key is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, base+"/api/stories/"+url.PathEscape(key)+"/", nil)
	if err != nil {
		return "", fmt.Errorf("session: delete: %w", err)
	}
	status, body, err := s.do(req)
	if err != nil {
		return "", fmt.Errorf("session: delete: %w", err)
	}
	switch status {
	case http.StatusOK:
		return body, nil
	case http.StatusForbidden:
		return "", &AuthorizationError{StatusCode: status, Message: body}
	default:
		return "", &ServerError{StatusCode: status, Message: body}
	}
}

func (s *Session) current() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseURL, s.loggedIn
}

func (s *Session) do(req *http.Request) (int, string, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageBytes))
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, serverMessage(body), nil
}

// serverMessage JSON 错误体 {"error": "..."} 取出原文，其它情况原样返回
func serverMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
