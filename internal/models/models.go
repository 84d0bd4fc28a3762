package models

import "time"

// 资产状态常量（与表格中的状态列一致）
const (
	StatusInTransit  = "IN TRANSIT"
	StatusWillBeLate = "WILL BE LATE"
	StatusAtShipper  = "AT SHIPPER"
	StatusAtReceiver = "AT RECEIVER"
	StatusStopped    = "STOPPED"
)

// AssetRecord 资产表中的一行（一个司机/车辆）
// DriverName 是主匹配键，VIN 是次匹配键；两者都为空的记录无法对账
type AssetRecord struct {
	DriverName string    `json:"driver_name"`
	VIN        string    `json:"vin"`
	Address    string    `json:"last_known_address"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Status     string    `json:"status"`
	UpdateTime time.Time `json:"update_time"`
	Source     string    `json:"source"`

	// Row 工作表中的行号（1 起始，包含表头行），0 表示尚未写入表格
	Row int `json:"-"`
}

// Matchable 是否可以被对账（至少有一个匹配键）
func (a *AssetRecord) Matchable() bool {
	return a.DriverName != "" || a.VIN != ""
}

// TelemetryRecord 一次轮询中单个车辆的遥测数据
// 仅在单个轮询周期内存在，不直接落表，只会合并进 AssetRecord
type TelemetryRecord struct {
	VIN        string    `json:"vin"`
	DriverName string    `json:"driver_name"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      float64   `json:"speed"`
	Status     string    `json:"status"`
	Source     string    `json:"source"`
	Address    string    `json:"address"`
	ObservedAt time.Time `json:"observed_at"`
}

// GroupRegistration 群组与 VIN 的绑定关系（持久化在 groups 工作表）
// 同一群组同一时间最多绑定一个 VIN，后写覆盖先写
type GroupRegistration struct {
	GroupID     int64     `json:"group_id"`
	GroupTitle  string    `json:"group_title"`
	VIN         string    `json:"vin"`
	DriverName  string    `json:"driver_name"`
	LastUpdated time.Time `json:"last_updated"`

	Row int `json:"-"`
}
