package collector

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

const (
	// Wildcard 表示该维度不做限制
	Wildcard = "*"

	// DateLayout 用户输入的日期格式 dd/mm/yyyy，日和月允许省略前导零
	DateLayout = "2/1/2006"
	// wireDateLayout 发送给机构时统一补零
	wireDateLayout = "02/01/2006"
)

var (
	Categories = []string{"pol", "art", "tech", "trivia"}
	Regions    = []string{"uk", "eu", "w"}
)

var ErrInvalidFilter = errors.New("invalid filter")

// FilterCriteria 一次聚合查询对所有机构统一使用的过滤条件。
// 只能通过 NewFilterCriteria / AnyFilter 构造，构造后不可变。
type FilterCriteria struct {
	category string
	region   string
	date     string
	valid    bool
}

// AnyFilter 三个维度均为通配
func AnyFilter() FilterCriteria {
	return FilterCriteria{category: Wildcard, region: Wildcard, date: Wildcard, valid: true}
}

// NewFilterCriteria 校验并构造过滤条件；空值视为通配，两侧的引号和空白会被去掉
func NewFilterCriteria(category, region, date string) (FilterCriteria, error) {
	category = cleanArg(category)
	region = cleanArg(region)
	date = cleanArg(date)

	if category != Wildcard && !slices.Contains(Categories, category) {
		return FilterCriteria{}, fmt.Errorf("%w: category %q", ErrInvalidFilter, category)
	}
	if region != Wildcard && !slices.Contains(Regions, region) {
		return FilterCriteria{}, fmt.Errorf("%w: region %q", ErrInvalidFilter, region)
	}
	if date != Wildcard {
		t, err := time.Parse(DateLayout, date)
		if err != nil {
			return FilterCriteria{}, fmt.Errorf("%w: date %q, use dd/mm/yyyy", ErrInvalidFilter, date)
		}
		date = t.Format(wireDateLayout)
	}

	return FilterCriteria{category: category, region: region, date: date, valid: true}, nil
}

func cleanArg(s string) string {
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	s = strings.TrimSpace(s)
	if s == "" {
		return Wildcard
	}
	return s
}

func (f FilterCriteria) Category() string { return f.category }
func (f FilterCriteria) Region() string   { return f.region }
func (f FilterCriteria) Date() string     { return f.date }

// Valid 零值 FilterCriteria 视为无效
func (f FilterCriteria) Valid() bool { return f.valid }

// IsWildcard 三个维度全为通配时机构返回全部新闻
func (f FilterCriteria) IsWildcard() bool {
	return f.category == Wildcard && f.region == Wildcard && f.date == Wildcard
}

// Query 三个参数总是一起发送
func (f FilterCriteria) Query() url.Values {
	q := url.Values{}
	q.Set("story_cat", f.category)
	q.Set("story_region", f.region)
	q.Set("story_date", f.date)
	return q
}

func (f FilterCriteria) String() string {
	return fmt.Sprintf("cat=%s reg=%s date=%s", f.category, f.region, f.date)
}
