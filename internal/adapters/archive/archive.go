// Package archive 负责案件包（ZIP）的写入与解包。
//
// 包内布局：
//
//	<case>_data.json | <case>_data.csv   唯一的数据文件
//	images/<原始文件名>                   图像（可选）
//	FORENSIC_MANIFEST.json               完整性清单（可选，导入时缺失则拒绝）
//	README.txt 等说明文件                 忽略
package archive

import (
	"bytes"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zip"

	"toolmark-review/internal/domain/model"
)

const (
	ImagesDir  = "images/"
	ReadmeName = "README.txt"

	jsonDataSuffix = "_data.json"
	csvDataSuffix  = "_data.csv"
)

// Package 是解包后的内存视图；写入时也使用同一结构。
type Package struct {
	DataFileName string
	Data         []byte
	// Manifest 为 nil 表示包内没有 FORENSIC_MANIFEST.json。
	Manifest []byte
	Images   map[string][]byte
	// ImageOrder 保持写入/解包时的图像顺序，便于输出稳定。
	ImageOrder []string
	Readme     []byte
	// Ignored 记录解包时被忽略的条目（目录、说明文件以外的杂项）。
	Ignored []string
}

// DataFileName 返回案件的数据文件名。
func DataFileName(caseNumber string, csv bool) string {
	if csv {
		return caseNumber + csvDataSuffix
	}
	return caseNumber + jsonDataSuffix
}

// IsCSV 判断数据文件是否为 CSV 序列化。
func IsCSV(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), csvDataSuffix)
}

// ValidImageName 拒绝含控制字符或首尾空白的图像名；这类名字会与 manifest 哈希的逐行格式冲突。
func ValidImageName(name string) error {
	if name == "" || strings.TrimSpace(name) != name {
		return errors.Wrapf(model.ErrFormat, "invalid image name %q", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return errors.Wrapf(model.ErrFormat, "invalid image name %q", name)
		}
	}
	return nil
}

func isDataFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, jsonDataSuffix) || strings.HasSuffix(lower, csvDataSuffix)
}

// Write 把 Package 写为 ZIP。图像按 ImageOrder（为空时按文件名）写入。
func Write(w io.Writer, p *Package) error {
	if p == nil {
		return errors.Wrap(model.ErrBadParameter, "nil package")
	}
	if !isDataFile(p.DataFileName) || strings.Contains(p.DataFileName, "/") {
		return errors.Wrapf(model.ErrFormat, "invalid data file name %q", p.DataFileName)
	}

	zw := zip.NewWriter(w)
	now := time.Now()

	if err := writeEntry(zw, p.DataFileName, p.Data, now); err != nil {
		return err
	}

	order := p.ImageOrder
	if len(order) == 0 {
		order = make([]string, 0, len(p.Images))
		for name := range p.Images {
			order = append(order, name)
		}
		sort.Strings(order)
	}
	for _, name := range order {
		data, ok := p.Images[name]
		if !ok {
			return errors.Wrapf(model.ErrBadParameter, "image %s listed but missing", name)
		}
		if err := ValidImageName(path.Base(name)); err != nil {
			return err
		}
		if err := writeEntry(zw, ImagesDir+path.Base(name), data, now); err != nil {
			return err
		}
	}

	if p.Manifest != nil {
		if err := writeEntry(zw, model.ManifestFileName, p.Manifest, now); err != nil {
			return err
		}
	}
	if len(p.Readme) > 0 {
		if err := writeEntry(zw, ReadmeName, p.Readme, now); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "close zip writer")
	}
	return nil
}

func writeEntry(zw *zip.Writer, name string, data []byte, modified time.Time) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return errors.Wrapf(err, "create zip entry %s", name)
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrapf(err, "write zip entry %s", name)
	}
	return nil
}

// ReadBytes 解包内存中的 ZIP。
func ReadBytes(raw []byte) (*Package, error) {
	return Read(bytes.NewReader(raw), int64(len(raw)))
}

// Read 解包 ZIP 并定位唯一的数据文件；数据文件为零个或多个时返回 ErrFormat。
// CSV 数据文件可以被解包校验，但导入前必须经过 RequireImportable。
func Read(r io.ReaderAt, size int64) (*Package, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrapf(model.ErrFormat, "open zip: %v", err)
	}

	p := &Package{Images: map[string][]byte{}}
	var dataCandidates []*zip.File
	for _, f := range zr.File {
		name := f.Name
		if f.FileInfo().IsDir() {
			continue
		}
		switch {
		case strings.HasPrefix(name, ImagesDir):
			base := strings.TrimPrefix(name, ImagesDir)
			if base == "" || strings.Contains(base, "/") {
				p.Ignored = append(p.Ignored, name)
				continue
			}
			if err := ValidImageName(base); err != nil {
				return nil, err
			}
			data, err := readEntry(f)
			if err != nil {
				return nil, err
			}
			if _, dup := p.Images[base]; dup {
				return nil, errors.Wrapf(model.ErrFormat, "duplicate image %s", base)
			}
			p.Images[base] = data
			p.ImageOrder = append(p.ImageOrder, base)
		case name == model.ManifestFileName:
			data, err := readEntry(f)
			if err != nil {
				return nil, err
			}
			p.Manifest = data
		case !strings.Contains(name, "/") && isDataFile(name):
			dataCandidates = append(dataCandidates, f)
		case strings.EqualFold(path.Ext(name), ".txt") || strings.EqualFold(path.Ext(name), ".md"):
			if strings.EqualFold(name, ReadmeName) {
				data, err := readEntry(f)
				if err != nil {
					return nil, err
				}
				p.Readme = data
			}
		default:
			p.Ignored = append(p.Ignored, name)
		}
	}

	switch len(dataCandidates) {
	case 0:
		return nil, errors.Wrap(model.ErrFormat, "package has no data file")
	case 1:
	default:
		names := make([]string, 0, len(dataCandidates))
		for _, f := range dataCandidates {
			names = append(names, f.Name)
		}
		return nil, errors.Wrapf(model.ErrFormat, "package has %d data files: %s", len(names), strings.Join(names, ", "))
	}

	data := dataCandidates[0]
	p.DataFileName = data.Name
	raw, err := readEntry(data)
	if err != nil {
		return nil, err
	}
	p.Data = raw
	return p, nil
}

// RequireImportable 拒绝 CSV 数据文件：CSV 仅用于导出，不支持导入。
func (p *Package) RequireImportable() error {
	if IsCSV(p.DataFileName) {
		return errors.Wrapf(model.ErrUnsupportedFormat, "csv data file %s cannot be imported", p.DataFileName)
	}
	return nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Wrapf(model.ErrFormat, "open zip entry %s: %v", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(model.ErrFormat, "read zip entry %s: %v", f.Name, err)
	}
	return data, nil
}
