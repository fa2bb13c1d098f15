package mqtt

import "errors"

var (
	// ErrConnectionFailed 初始连接失败（含超时）
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrNotConnected 当前未连接到 broker
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrPublishTimeout broker 未在超时时间内确认发布
	ErrPublishTimeout = errors.New("mqtt: publish timeout")
)
