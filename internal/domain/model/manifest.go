package model

import (
	"sort"
	"strings"
	"time"
)

const (
	ManifestVersion  = "1"
	ManifestFileName = "FORENSIC_MANIFEST.json"
)

// ForensicManifest 绑定数据文件哈希、每张图像的哈希，以及覆盖二者的 manifest 哈希。
//
// 导入时 ManifestHash 永远重算，不直接信任包内声明的值。
type ForensicManifest struct {
	Version      string            `json:"manifestVersion"`
	DataHash     string            `json:"dataHash"`
	ImageHashes  map[string]string `json:"imageHashes"`
	ManifestHash string            `json:"manifestHash"`
	TotalFiles   int               `json:"totalFiles"`
	CreatedAt    time.Time         `json:"createdAt"`

	// DataChecksum 是数据文件的 CRC-32，仅用于 UI 快速比对，不参与完整性判定。
	DataChecksum string `json:"dataChecksum,omitempty"`
}

// MissingFields 返回 manifest 缺失的必填项；非空即视为无效 manifest。
func (m *ForensicManifest) MissingFields() []string {
	if m == nil {
		return []string{"manifest"}
	}
	var missing []string
	if strings.TrimSpace(m.DataHash) == "" {
		missing = append(missing, "dataHash")
	}
	if strings.TrimSpace(m.ManifestHash) == "" {
		missing = append(missing, "manifestHash")
	}
	if m.TotalFiles > 0 && len(m.ImageHashes) < m.TotalFiles {
		missing = append(missing, "imageHashes")
	}
	for name, h := range m.ImageHashes {
		if strings.TrimSpace(h) == "" {
			missing = append(missing, "imageHashes["+name+"]")
		}
	}
	sort.Strings(missing)
	return missing
}
