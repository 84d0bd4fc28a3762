package tms

// truckListResponse TMS 车队接口响应
type truckListResponse struct {
	Data  []TruckRecord `json:"data"`
	Error string        `json:"error,omitempty"`
}

// TruckRecord TMS 返回的单条车辆记录（原始格式）
type TruckRecord struct {
	VIN        string  `json:"vin"`
	DriverName string  `json:"driver_name"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Speed      float64 `json:"speed"`
	Status     string  `json:"status"`
	Source     string  `json:"source"`
	Address    string  `json:"location"`
	UpdateTime string  `json:"update_time"`
}
