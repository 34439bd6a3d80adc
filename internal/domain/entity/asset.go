// Package entity 定义领域实体
package entity

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// AssetInfo 生成产物描述
type AssetInfo struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Resolution string `json:"resolution,omitempty"`
	Format     string `json:"format,omitempty"`
}

// AssetInfoList 产物列表，按生成顺序排列，以 JSONB 形式落库
type AssetInfoList []AssetInfo

// Value 实现 driver.Valuer
func (l AssetInfoList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan 实现 sql.Scanner
func (l *AssetInfoList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	data, err := toBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, l)
}

// JSONMap 不透明键值包，原样透传给执行引擎
type JSONMap map[string]interface{}

// Value 实现 driver.Valuer
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan 实现 sql.Scanner
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	data, err := toBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, m)
}

func toBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported column type %T", value)
	}
}
