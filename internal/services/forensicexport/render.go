package forensicexport

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"toolmark-review/internal/domain/model"
)

const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// 横幅只用于提示阅读者，在计算哈希之后才加到数据文件前面；
// importverify.StripBanner 依赖这里的首行与结束标记精确还原。
const (
	BannerTitle    = "FORENSIC CASE EXPORT - DO NOT EDIT"
	JSONBannerOpen = "/*\n"
	JSONBannerEnd  = " */\n"
	// CSV 横幅为若干带引号的行，以一个空行结束。
	CSVBannerFirstLine = `"` + BannerTitle + `"` + "\n"
	CSVBannerEnd       = "\n\n"
)

// NormalizeFormat 返回 json 或 csv；空值按 json 处理。
func NormalizeFormat(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", errors.Wrapf(model.ErrBadParameter, "unsupported export format %q", format)
	}
}

// RenderJSON 以两空格缩进输出数据文档。结构体字段顺序固定、map 键有序，因此输出确定。
func RenderJSON(pkg *model.CaseExportPackage) ([]byte, error) {
	raw, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal case data")
	}
	return raw, nil
}

var csvHeader = []string{
	"Case Number",
	"File ID",
	"Original Filename",
	"Uploaded At",
	"Has Annotations",
	"Class Type",
	"Support Level",
	"Index Type",
	"Index Number",
	"Has Subclass",
	"Box Annotations",
	"Confirmation Requested",
	"Additional Notes",
	"Annotation Updated At",
}

// RenderCSV 输出每个文件一行的表格视图（仅用于导出，不可导入）。
func RenderCSV(pkg *model.CaseExportPackage) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, errors.Wrap(err, "write csv header")
	}
	for _, f := range pkg.Files {
		row := []string{
			pkg.Metadata.CaseNumber,
			f.FileData.ID,
			f.FileData.OriginalFilename,
			formatTime(f.FileData.UploadedAt),
			strconv.FormatBool(f.HasAnnotations),
			"", "", "", "", "", "0", "", "", "",
		}
		if a := f.Annotations; f.HasAnnotations && a != nil {
			row[5] = a.ClassType
			row[6] = a.SupportLevel
			row[7] = a.IndexType
			row[8] = a.IndexNumber
			row[9] = strconv.FormatBool(a.HasSubclass)
			row[10] = strconv.Itoa(len(a.BoxAnnotations))
			row[11] = strconv.FormatBool(a.IncludeConfirmation)
			row[12] = a.AdditionalNotes
			row[13] = formatTime(a.UpdatedAt)
		}
		if err := w.Write(row); err != nil {
			return nil, errors.Wrapf(err, "write csv row %s", f.FileData.ID)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.Wrap(err, "flush csv")
	}
	return buf.Bytes(), nil
}

// Render 按格式生成数据文件字节（不含横幅）。
func Render(pkg *model.CaseExportPackage, format string) ([]byte, error) {
	if format == FormatCSV {
		return RenderCSV(pkg)
	}
	return RenderJSON(pkg)
}

// AddBanner 在已计算哈希的数据前加上提示横幅。
// 横幅内容只含案件编号与导出时间（两者都不可能包含结束标记）。
func AddBanner(data []byte, format, caseNumber string, exportDate time.Time) []byte {
	lines := []string{
		BannerTitle,
		fmt.Sprintf("Case %s exported %s", caseNumber, formatTime(exportDate)),
		"Any modification of this file invalidates " + model.ManifestFileName + ".",
	}

	var buf bytes.Buffer
	if format == FormatCSV {
		for _, l := range lines {
			buf.WriteString(`"` + strings.ReplaceAll(l, `"`, `""`) + `"` + "\n")
		}
		buf.WriteString("\n")
	} else {
		buf.WriteString(JSONBannerOpen)
		for _, l := range lines {
			buf.WriteString(" * " + l + "\n")
		}
		buf.WriteString(JSONBannerEnd)
	}
	buf.Write(data)
	return buf.Bytes()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
