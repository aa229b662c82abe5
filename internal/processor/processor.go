package processor

import (
	"fmt"
	"strings"

	"github.com/LJTian/NewsHub/internal/collector"
)

// BlockSeparator 机构块之间用空行分隔
const BlockSeparator = "\n\n"

// Normalize 做最基础的展示前清洗：去空白、修正非法 UTF-8、按接口上限截断。
// 不改变顺序，也不去重（key 只在机构内唯一）。
func Normalize(stories []collector.Story) []collector.Story {
	out := make([]collector.Story, 0, len(stories))
	for _, s := range stories {
		s.Key = strings.TrimSpace(s.Key)
		s.Headline = truncateRunes(toValidUTF8(strings.TrimSpace(s.Headline)), collector.HeadlineMaxLen)
		s.Details = truncateRunes(toValidUTF8(strings.TrimSpace(s.Details)), collector.DetailsMaxLen)
		s.Author = toValidUTF8(strings.TrimSpace(s.Author))
		s.Date = strings.TrimSpace(s.Date)
		out = append(out, s)
	}
	return out
}

// FormatBlock 一个机构的输出块：标题行 + 每条新闻两行
func FormatBlock(agencyName string, stories []collector.Story) string {
	var b strings.Builder
	fmt.Fprintf(&b, "===== News from: %s =====", agencyName)
	for _, s := range stories {
		fmt.Fprintf(&b, "\n%s (Published on %s)", s.Headline, s.Date)
		fmt.Fprintf(&b, "\nDetails: %s [Author: %s ID: %s]", s.Details, s.Author, s.Key)
	}
	return b.String()
}

// FormatFailure 单个机构失败时占位的提示
func FormatFailure(agencyName string) string {
	return "Failed to fetch news from " + agencyName
}

func Join(blocks []string) string {
	return strings.Join(blocks, BlockSeparator)
}

func toValidUTF8(s string) string {
	return strings.ToValidUTF8(s, "�")
}

// truncateRunes 按 rune 截断，超出时以省略号结尾，总长度不超过 limit
func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit-1]) + "…"
}
