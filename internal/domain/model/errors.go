package model

import (
	"github.com/cockroachdb/errors"
)

// 错误分类（导入/导出流水线统一使用）。
//
// 内层组件（hash、importverify、archive）只返回带分类的 error，不做恢复；
// 只有编排层（caseimport、confirmation.Importer）把 error 转成结构化结果。
var (
	// ErrFormat 包结构/JSON 格式错误、数据文件数量不对；发生在任何写入之前。
	ErrFormat = errors.New("format error")

	// ErrIntegrity 任意层级的哈希不一致；一律阻断导入。
	ErrIntegrity = errors.New("integrity error")

	// ErrConflict 案件已存在、自导入、导出人未知等；发生在任何写入之前。
	ErrConflict = errors.New("conflict error")

	// ErrPartialIO 单项 I/O 失败；只有整批全部失败时才升级为致命错误。
	ErrPartialIO = errors.New("partial io failure")

	// ErrRollback 回滚子步骤失败；永远降级为 warning。
	ErrRollback = errors.New("rollback failure")

	ErrNotFound     = errors.New("not found")
	ErrBadParameter = errors.New("bad parameter")
)

var (
	ErrUnsupportedFormat = errors.Wrap(ErrFormat, "unsupported data file format")
	ErrNoManifest        = errors.Wrap(ErrIntegrity, "forensic manifest missing")
	ErrCaseExists        = errors.Wrap(ErrConflict, "case already exists")
	ErrSelfImport        = errors.Wrap(ErrConflict, "cannot import own export")
	ErrUnknownExporter   = errors.Wrap(ErrConflict, "exporting user does not exist")
	ErrUnknownSchema     = errors.Wrap(ErrFormat, "unknown schema version")
	ErrInvalidCaseNumber = errors.Wrap(ErrBadParameter, "invalid case number")
	ErrChecksumMismatch  = errors.Wrap(ErrIntegrity, "checksum mismatch")
	ErrStaleConfirmation = errors.Wrap(ErrIntegrity, "confirmation predates latest annotation change")
	ErrSelfConfirmation  = errors.Wrap(ErrConflict, "cannot confirm own work")
)

// ErrorKind 返回 err 在错误分类中的标签，用于结果中的 error/warning 条目。
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrFormat):
		return "format"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrPartialIO):
		return "partial_io"
	case errors.Is(err, ErrRollback):
		return "rollback"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBadParameter):
		return "bad_parameter"
	default:
		return "internal"
	}
}
