package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// ErrMalformedPayload 消息无法解析或缺少必填字段
var ErrMalformedPayload = errors.New("malformed payload")

// ChipID 设备上报的芯片 ID，固件可能以字符串或数字形式发送
type ChipID string

// UnmarshalJSON 接受 JSON 字符串或数字，null 视为空
func (c *ChipID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ChipID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*c = ChipID(n.String())
	return nil
}

// Trimmed 去除首尾空白后的芯片 ID（用于查询）
func (c ChipID) Trimmed() string {
	return strings.TrimSpace(string(c))
}

// PairingRequest 旧版配对请求 {"chipid": "..."}，其他字段忽略
type PairingRequest struct {
	ChipID ChipID `json:"chipid"`
}

// RegistrationRequest 新版注册请求
type RegistrationRequest struct {
	ChipID       ChipID `json:"chip_id"`
	Firmware     string `json:"firmware"`
	Hardware     string `json:"hardware"`
	MacWifi      string `json:"mac_wifi"`
	MacBluetooth string `json:"mac_bluetooth"`
}

// DecodePairingRequest 解析配对请求，chipid 为空视为无效
func DecodePairingRequest(payload []byte) (*PairingRequest, error) {
	var req PairingRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}
	if req.ChipID.Trimmed() == "" {
		return nil, errors.Join(ErrMalformedPayload, errors.New("missing chipid"))
	}
	return &req, nil
}

// DecodeRegistrationRequest 解析注册请求，chip_id/firmware/hardware 必填
func DecodeRegistrationRequest(payload []byte) (*RegistrationRequest, error) {
	var req RegistrationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}
	switch {
	case req.ChipID.Trimmed() == "":
		return nil, errors.Join(ErrMalformedPayload, errors.New("missing chip_id"))
	case req.Firmware == "":
		return nil, errors.Join(ErrMalformedPayload, errors.New("missing firmware"))
	case req.Hardware == "":
		return nil, errors.Join(ErrMalformedPayload, errors.New("missing hardware"))
	}
	return &req, nil
}

// PairingConfirmation 配对成功后下发给设备的消息
type PairingConfirmation struct {
	ChipID        string `json:"chipid"`
	DeviceCommand string `json:"devicecommand"`
	DeviceIDUpper string `json:"deviceidbaruupper"`
	DeviceIDLower string `json:"deviceidbarulower"`
}

// CommandNewDeviceID 配对确认命令
const CommandNewDeviceID = "NEWDEVICEID"

// NewPairingConfirmation 构建配对确认，设备名同时给出大小写两种形式
func NewPairingConfirmation(chipID, deviceName string) PairingConfirmation {
	return PairingConfirmation{
		ChipID:        chipID,
		DeviceCommand: CommandNewDeviceID,
		DeviceIDUpper: strings.ToUpper(deviceName),
		DeviceIDLower: strings.ToLower(deviceName),
	}
}

const (
	// CommandRegisterACSM 注册响应命令名
	CommandRegisterACSM = "register_acsm"
	// ResponseTypeSet 响应类型
	ResponseTypeSet = "set"
	// UnknownAddress 未取到 IP 时的占位地址
	UnknownAddress = "0.0.0.0"
)

// RegistrationResponse 注册响应
type RegistrationResponse struct {
	ID      int32            `json:"id"`
	Type    string           `json:"type"`
	Command string           `json:"command"`
	Key     int              `json:"key"`
	Data    RegistrationData `json:"data"`
}

// RegistrationData 注册响应 data 块
type RegistrationData struct {
	Name    string `json:"name"`
	License int    `json:"license"`
	ACID    int64  `json:"ac_id"`
	IP      string `json:"ip"`
}
