package collector

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"
)

const (
	HeadlineMaxLen = 64
	DetailsMaxLen  = 128
)

// StoryDraft 发布到当前登录机构的新闻
type StoryDraft struct {
	Headline string `json:"headline"`
	Category string `json:"category"`
	Region   string `json:"region"`
	Details  string `json:"details"`
}

// Validate 与机构服务端的限制保持一致，提前拦截明显无效的请求
func (d StoryDraft) Validate() error {
	if strings.TrimSpace(d.Headline) == "" || strings.TrimSpace(d.Category) == "" ||
		strings.TrimSpace(d.Region) == "" || strings.TrimSpace(d.Details) == "" {
		return fmt.Errorf("missing required fields")
	}
	if utf8.RuneCountInString(d.Headline) > HeadlineMaxLen {
		return fmt.Errorf("headline exceeds %d characters", HeadlineMaxLen)
	}
	if utf8.RuneCountInString(d.Details) > DetailsMaxLen {
		return fmt.Errorf("details exceed %d characters", DetailsMaxLen)
	}
	if !slices.Contains(Categories, d.Category) {
		return fmt.Errorf("invalid category %q", d.Category)
	}
	if !slices.Contains(Regions, d.Region) {
		return fmt.Errorf("invalid region %q", d.Region)
	}
	return nil
}
