package model

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const AnnotationSchemaVersion = 1

// BoxAnnotation 是图像上的一个矩形区域标注（坐标为相对比例 0-1）。
type BoxAnnotation struct {
	ID        string    `json:"id"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Width     float64   `json:"width"`
	Height    float64   `json:"height"`
	Color     string    `json:"color,omitempty"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AnnotationRecord 是单张图像的检验标注。
//
// UpdatedAt 是文档自报的修改时间，仅供展示；
// 过期判断一律使用存储层对象元数据的修改时间。
type AnnotationRecord struct {
	SchemaVersion int `json:"schemaVersion"`

	// 比对对象
	LeftCase  string `json:"leftCase,omitempty"`
	RightCase string `json:"rightCase,omitempty"`
	LeftItem  string `json:"leftItem,omitempty"`
	RightItem string `json:"rightItem,omitempty"`

	// 分类
	ClassType    string `json:"classType,omitempty"`
	ClassNote    string `json:"classNote,omitempty"`
	IndexType    string `json:"indexType,omitempty"`
	IndexNumber  string `json:"indexNumber,omitempty"`
	SupportLevel string `json:"supportLevel,omitempty"` // ID|Exclusion|Inconclusive
	HasSubclass  bool   `json:"hasSubclass,omitempty"`

	AdditionalNotes     string          `json:"additionalNotes,omitempty"`
	IncludeConfirmation bool            `json:"includeConfirmation,omitempty"`
	BoxAnnotations      []BoxAnnotation `json:"boxAnnotations,omitempty"`
	UpdatedAt           time.Time       `json:"updatedAt"`

	// Extra 保存本结构未建模的顶层字段，编码时原样写回，导入的标注因此不丢字段。
	Extra map[string]json.RawMessage `json:"-"`
}

// annotationFields 是 AnnotationRecord 已建模的 JSON 键。
var annotationFields = func() map[string]bool {
	out := map[string]bool{}
	t := reflect.TypeOf(AnnotationRecord{})
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			out[name] = true
		}
	}
	return out
}()

// annotationRecordJSON 去掉方法集，供编解码时复用默认行为。
type annotationRecordJSON AnnotationRecord

func (a *AnnotationRecord) UnmarshalJSON(raw []byte) error {
	var base annotationRecordJSON
	if err := json.Unmarshal(raw, &base); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return err
	}
	for k := range all {
		if annotationFields[k] {
			delete(all, k)
		}
	}
	base.Extra = nil
	if len(all) > 0 {
		base.Extra = all
	}
	*a = AnnotationRecord(base)
	return nil
}

func (a AnnotationRecord) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(annotationRecordJSON(a))
	if err != nil || len(a.Extra) == 0 {
		return raw, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, err
	}
	for k, v := range a.Extra {
		if !annotationFields[k] {
			all[k] = v
		}
	}
	return json.Marshal(all)
}

// HasAnnotations 判断记录是否有任何实质内容：备注、分类字段或至少一个区域标注。
func (a *AnnotationRecord) HasAnnotations() bool {
	if a == nil {
		return false
	}
	if len(a.BoxAnnotations) > 0 || a.HasSubclass || a.IncludeConfirmation {
		return true
	}
	for _, s := range []string{
		a.LeftCase, a.RightCase, a.LeftItem, a.RightItem,
		a.ClassType, a.ClassNote, a.IndexType, a.IndexNumber,
		a.SupportLevel, a.AdditionalNotes,
	} {
		if strings.TrimSpace(s) != "" {
			return true
		}
	}
	return false
}

// LatestActivity 返回记录中最晚的时间点（自报 UpdatedAt 与各区域标注创建时间）。
func (a *AnnotationRecord) LatestActivity() time.Time {
	latest := a.UpdatedAt
	for _, b := range a.BoxAnnotations {
		if b.CreatedAt.After(latest) {
			latest = b.CreatedAt
		}
	}
	return latest
}

// DecodeAnnotationRecord 解析标注文档并检查版本。
func DecodeAnnotationRecord(raw []byte) (*AnnotationRecord, error) {
	var rec AnnotationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(ErrFormat, "decode annotation record: "+err.Error())
	}
	switch rec.SchemaVersion {
	case 0:
		rec.SchemaVersion = AnnotationSchemaVersion
	case AnnotationSchemaVersion:
	default:
		return nil, errors.Wrapf(ErrUnknownSchema, "annotation record version %d", rec.SchemaVersion)
	}
	return &rec, nil
}
