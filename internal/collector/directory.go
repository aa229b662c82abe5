package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	directoryPath             = "/api/directory/"
	directoryMaxResponseBytes = 4 << 20
	directoryClientTimeout    = 10 * time.Second
)

var ErrDirectoryUnavailable = errors.New("directory unavailable")

// DirectoryClient 读取目录服务登记的全部机构，不做缓存
type DirectoryClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewDirectoryClient(baseURL string, client *http.Client, logger *zap.Logger) *DirectoryClient {
	if client == nil {
		client = &http.Client{Timeout: directoryClientTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectoryClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  client,
		logger:  logger,
	}
}

// ListAgencies 目录不可用时退化为空列表
func (d *DirectoryClient) ListAgencies(ctx context.Context) []Agency {
	agencies, err := d.Fetch(ctx)
	if err != nil {
		d.logger.Warn("directory unavailable, no agencies", zap.Error(err))
		return []Agency{}
	}
	return agencies
}

// Fetch 与 ListAgencies 相同，但把错误交给调用方
func (d *DirectoryClient) Fetch(ctx context.Context) ([]Agency, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+directoryPath, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrDirectoryUnavailable, resp.StatusCode)
	}

	var raw []Agency
	if err := json.NewDecoder(io.LimitReader(resp.Body, directoryMaxResponseBytes)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrDirectoryUnavailable, err)
	}

	agencies := make([]Agency, 0, len(raw))
	for _, a := range raw {
		a.Code = strings.TrimSpace(a.Code)
		a.URL = a.Endpoint()
		if a.Code == "" || a.URL == "" {
			continue
		}
		if a.Name == "" {
			a.Name = a.Code
		}
		agencies = append(agencies, a)
	}
	return agencies, nil
}
