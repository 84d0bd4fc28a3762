package colmap

import (
	"errors"
	"fmt"
	"strings"
)

// Field 工作表中的逻辑字段名
type Field string

// 资产表字段
const (
	FieldDriverName Field = "driver_name"
	FieldVIN        Field = "vin"
	FieldAddress    Field = "address"
	FieldLatitude   Field = "latitude"
	FieldLongitude  Field = "longitude"
	FieldStatus     Field = "status"
	FieldUpdateTime Field = "update_time"
	FieldSource     Field = "source"
)

// AssetFields 资产表要求的全部字段
var AssetFields = []Field{
	FieldDriverName, FieldVIN, FieldAddress,
	FieldLatitude, FieldLongitude,
	FieldStatus, FieldUpdateTime, FieldSource,
}

// ErrMappingUnresolved 显式映射和表头扫描都失败，该表本周期不可用
var ErrMappingUnresolved = errors.New("colmap: column mapping unresolved")

// Source 映射的解析来源
type Source int

const (
	// SourceExplicit 来自显式列配置（A,B,C 记法）
	SourceExplicit Source = iota
	// SourceHeaders 显式配置缺失或校验失败，降级到表头扫描
	SourceHeaders
)

func (s Source) String() string {
	if s == SourceExplicit {
		return "explicit"
	}
	return "headers"
}

// headerAliases 表头扫描时可识别的表头名（标准化后）
var headerAliases = map[string]Field{
	"driver":             FieldDriverName,
	"driver name":        FieldDriverName,
	"vin":                FieldVIN,
	"truck vin":          FieldVIN,
	"address":            FieldAddress,
	"last known address": FieldAddress,
	"location":           FieldAddress,
	"lat":                FieldLatitude,
	"latitude":           FieldLatitude,
	"lng":                FieldLongitude,
	"lon":                FieldLongitude,
	"longitude":          FieldLongitude,
	"status":             FieldStatus,
	"del status":         FieldStatus,
	"update time":        FieldUpdateTime,
	"updated":            FieldUpdateTime,
	"last update":        FieldUpdateTime,
	"source":             FieldSource,
	"provider":           FieldSource,
}

// Mapping 一个周期内已解析、不可变的列映射
// 周期开始时解析一次，之后该周期内所有读写都用同一份位置，
// 避免人工并发改表头导致周期中途漂移
type Mapping struct {
	indexes map[Field]int
	source  Source
	reason  string
}

// Index 字段对应的列下标（0 起始）
func (m *Mapping) Index(f Field) (int, bool) {
	i, ok := m.indexes[f]
	return i, ok
}

// Source 解析来源
func (m *Mapping) Source() Source {
	return m.source
}

// FallbackReason 降级到表头扫描的原因（显式解析成功时为空）
func (m *Mapping) FallbackReason() string {
	return m.reason
}

// MaxIndex 映射中最大的列下标
func (m *Mapping) MaxIndex() int {
	max := 0
	for _, i := range m.indexes {
		if i > max {
			max = i
		}
	}
	return max
}

// Resolve 两阶段解析列映射
// 先用显式配置（字段→列字母），校验失败则降级到表头扫描；
// 两者都失败返回 ErrMappingUnresolved
func Resolve(explicit map[Field]string, headers []string, required []Field) (*Mapping, error) {
	if len(explicit) > 0 {
		indexes, err := resolveExplicit(explicit, required)
		if err == nil {
			return &Mapping{indexes: indexes, source: SourceExplicit}, nil
		}

		fromHeaders, herr := resolveHeaders(headers, required)
		if herr != nil {
			return nil, fmt.Errorf("%w: explicit mapping invalid (%v) and header scan failed (%v)", ErrMappingUnresolved, err, herr)
		}
		return &Mapping{
			indexes: fromHeaders,
			source:  SourceHeaders,
			reason:  err.Error(),
		}, nil
	}

	fromHeaders, err := resolveHeaders(headers, required)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMappingUnresolved, err)
	}
	return &Mapping{
		indexes: fromHeaders,
		source:  SourceHeaders,
		reason:  "no explicit mapping configured",
	}, nil
}

// resolveExplicit 校验并解析显式列配置
func resolveExplicit(explicit map[Field]string, required []Field) (map[Field]int, error) {
	indexes := make(map[Field]int, len(explicit))
	used := make(map[int]Field, len(explicit))

	for field, letter := range explicit {
		idx, err := LetterToIndex(letter)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		if prev, dup := used[idx]; dup {
			return nil, fmt.Errorf("fields %s and %s both mapped to column %s", prev, field, letter)
		}
		used[idx] = field
		indexes[field] = idx
	}

	for _, f := range required {
		if _, ok := indexes[f]; !ok {
			return nil, fmt.Errorf("required field %s missing from explicit mapping", f)
		}
	}

	return indexes, nil
}

// resolveHeaders 表头扫描
// 同一字段出现多个匹配表头视为歧义，解析失败
func resolveHeaders(headers []string, required []Field) (map[Field]int, error) {
	if len(headers) == 0 {
		return nil, fmt.Errorf("header row is empty")
	}

	indexes := make(map[Field]int)
	for i, h := range headers {
		field, ok := headerAliases[normalizeHeader(h)]
		if !ok {
			continue
		}
		if _, dup := indexes[field]; dup {
			return nil, fmt.Errorf("duplicate header for field %s", field)
		}
		indexes[field] = i
	}

	for _, f := range required {
		if _, ok := indexes[f]; !ok {
			return nil, fmt.Errorf("expected header for field %s not found", f)
		}
	}

	return indexes, nil
}

// ParseSpec 解析显式列配置字符串，格式 "driver_name=A,vin=B"
func ParseSpec(spec string) (map[Field]string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	result := make(map[Field]string)
	for _, part := range strings.Split(spec, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid column spec entry %q", part)
		}
		field := Field(strings.TrimSpace(kv[0]))
		letter := strings.ToUpper(strings.TrimSpace(kv[1]))
		if field == "" || letter == "" {
			return nil, fmt.Errorf("invalid column spec entry %q", part)
		}
		result[field] = letter
	}
	return result, nil
}

// LetterToIndex 列字母转下标：A=0, B=1, ..., Z=25, AA=26
func LetterToIndex(letter string) (int, error) {
	letter = strings.ToUpper(strings.TrimSpace(letter))
	if letter == "" {
		return 0, fmt.Errorf("empty column letter")
	}

	idx := 0
	for _, r := range letter {
		if r < 'A' || r > 'Z' {
			return 0, fmt.Errorf("invalid column letter %q", letter)
		}
		idx = idx*26 + int(r-'A') + 1
	}
	return idx - 1, nil
}

// IndexToLetter 下标转列字母
func IndexToLetter(idx int) string {
	letter := ""
	for idx >= 0 {
		letter = string(rune('A'+idx%26)) + letter
		idx = idx/26 - 1
	}
	return letter
}

// normalizeHeader 表头标准化：小写、裁剪、下划线归一为空格
func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, "_", " ")
	return strings.Join(strings.Fields(h), " ")
}
