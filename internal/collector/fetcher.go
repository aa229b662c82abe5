package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StoryDateLayout 机构接口返回的 story_date 格式
const StoryDateLayout = "2006-01-02 15:04:05"

// Agency 目录服务中登记的一个新闻机构
type Agency struct {
	Code string `json:"agency_code"`
	Name string `json:"agency_name"`
	URL  string `json:"url"`
}

// Endpoint 返回去掉末尾斜杠的机构根地址
func (a Agency) Endpoint() string {
	return strings.TrimRight(strings.TrimSpace(a.URL), "/")
}

// Story 机构返回的一条新闻。
// Key 只在单个机构内唯一，跨机构聚合时可能重复。
type Story struct {
	Key         string    `json:"key"`
	Headline    string    `json:"headline"`
	Category    string    `json:"story_cat"`
	Region      string    `json:"story_region"`
	Author      string    `json:"author"`
	Date        string    `json:"story_date"`
	PublishedAt time.Time `json:"-"`
	Details     string    `json:"story_details"`
}

// StoryFetcher 抽象单个机构的新闻列表接口
type StoryFetcher interface {
	FetchStories(ctx context.Context, agency Agency, filters FilterCriteria) ([]Story, error)
}

// AgencyLister 抽象目录服务；失败时返回空列表而不是错误
type AgencyLister interface {
	ListAgencies(ctx context.Context) []Agency
}

// storyKey 兼容字符串和数字两种 key
type storyKey string

func (k *storyKey) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*k = storyKey(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("story key: %w", err)
	}
	*k = storyKey(n.String())
	return nil
}

type storyWire struct {
	Key      storyKey `json:"key"`
	Headline string   `json:"headline"`
	Category string   `json:"story_cat"`
	Region   string   `json:"story_region"`
	Author   string   `json:"author"`
	Date     string   `json:"story_date"`
	Details  string   `json:"story_details"`
}

type storiesResp struct {
	Stories []storyWire `json:"stories"`
}

func (w storyWire) toStory() Story {
	s := Story{
		Key:      string(w.Key),
		Headline: w.Headline,
		Category: w.Category,
		Region:   w.Region,
		Author:   w.Author,
		Date:     w.Date,
		Details:  w.Details,
	}
	// 时间解析失败时保留原始字符串，展示层直接使用 Date
	if t, err := time.Parse(StoryDateLayout, strings.TrimSpace(w.Date)); err == nil {
		s.PublishedAt = t
	}
	return s
}
