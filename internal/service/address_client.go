package service

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// DefaultAddressTimeout bounds a single IP lookup.
const DefaultAddressTimeout = 3 * time.Second

// addressRequest 查询设备当前 IP 的请求体
type addressRequest struct {
	ChipID   string `json:"chip_id"`
	Hardware string `json:"hardware"`
}

// addressResponse 设备管理平台的响应
type addressResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    *struct {
		IP string `json:"ip"`
	} `json:"data"`
}

// AddressClient 调用设备管理平台查询设备当前 IP。
// 查询是尽力而为的：未配置 URL、超时、非 2xx、响应格式错误都返回 ("", false)。
type AddressClient struct {
	httpClient *resty.Client
	url        string
	logger     *zap.Logger
}

// NewAddressClient 创建 IP 查询客户端，单次请求，不重试
func NewAddressClient(url string, timeout time.Duration, logger *zap.Logger) *AddressClient {
	if timeout <= 0 {
		timeout = DefaultAddressTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &AddressClient{
		httpClient: client,
		url:        url,
		logger:     logger,
	}
}

// ResolveAddress 查询设备 IP
func (c *AddressClient) ResolveAddress(ctx context.Context, chipID, hardware string) (string, bool) {
	if c.url == "" {
		return "", false
	}

	var response addressResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(addressRequest{ChipID: chipID, Hardware: hardware}).
		SetResult(&response).
		SetError(&response).
		Post(c.url)
	if err != nil {
		c.logger.Warn("IP lookup failed",
			zap.String("chip_id", chipID),
			zap.Error(err),
		)
		return "", false
	}

	if !resp.IsSuccess() || !response.Success {
		c.logger.Warn("IP lookup returned error",
			zap.String("chip_id", chipID),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("message", response.Message),
		)
		return "", false
	}

	if response.Data == nil {
		return "", false
	}
	ip := strings.TrimSpace(response.Data.IP)
	if ip == "" {
		return "", false
	}
	if net.ParseIP(ip) == nil {
		c.logger.Warn("IP lookup returned invalid address",
			zap.String("chip_id", chipID),
			zap.String("ip", ip),
		)
		return "", false
	}

	return ip, true
}
