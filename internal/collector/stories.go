package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

const storiesMaxResponseBytes = 1 << 20 // 1MB

var ErrFetch = errors.New("fetch stories failed")

// FetchError 单个机构查询失败：网络错误、非 2xx 状态或响应体无法解析
type FetchError struct {
	Agency     string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch stories from %s: unexpected status %d", e.Agency, e.StatusCode)
	}
	return fmt.Sprintf("fetch stories from %s: %v", e.Agency, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// StoryClient 通过 /api/stories/ 查询单个机构
type StoryClient struct {
	client *http.Client
	logger *zap.Logger
}

// NewStoryClient client 一般传入会话的 http.Client，以便带上机构的登录 cookie
func NewStoryClient(client *http.Client, logger *zap.Logger) *StoryClient {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoryClient{client: client, logger: logger}
}

func (c *StoryClient) FetchStories(ctx context.Context, agency Agency, filters FilterCriteria) ([]Story, error) {
	endpoint := agency.Endpoint() + "/api/stories/?" + filters.Query().Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &FetchError{Agency: agency.Name, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("fetch stories",
		zap.String("agency", agency.Code),
		zap.String("url", endpoint),
	)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &FetchError{Agency: agency.Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, storiesMaxResponseBytes))
		return nil, &FetchError{
			Agency:     agency.Name,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("status %d", resp.StatusCode),
		}
	}

	var data storiesResp
	if err := json.NewDecoder(io.LimitReader(resp.Body, storiesMaxResponseBytes)).Decode(&data); err != nil {
		return nil, &FetchError{Agency: agency.Name, Err: fmt.Errorf("decode stories: %w", err)}
	}

	stories := make([]Story, 0, len(data.Stories))
	for _, w := range data.Stories {
		stories = append(stories, w.toStory())
	}
	return stories, nil
}
