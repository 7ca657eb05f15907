package forensicexport

import (
	"sort"
	"strings"
	"time"

	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/platform/hash"
)

// BuildManifest 对数据文件与每张图像计算 SHA-256，并生成覆盖二者的 manifest 哈希。
//
// data 必须是最终写入包内的数据文件字节（横幅之前）；RenderJSON 的输出是确定性的，
// 同一数据文档总是得到同一 dataHash。
func BuildManifest(data []byte, images map[string][]byte, now time.Time) model.ForensicManifest {
	dataHash := hash.SecureDigest(data)
	imageHashes := make(map[string]string, len(images))
	for name, blob := range images {
		imageHashes[name] = hash.SecureDigest(blob)
	}
	return model.ForensicManifest{
		Version:      model.ManifestVersion,
		DataHash:     dataHash,
		ImageHashes:  imageHashes,
		ManifestHash: ManifestHash(dataHash, imageHashes),
		TotalFiles:   len(images),
		CreatedAt:    now.UTC(),
		DataChecksum: hash.FastChecksum(data),
	}
}

// ManifestHash = SHA-256(dataHash, 按文件名排序的 "name:hash" ...)，各行以换行分隔。
// 摘要统一转小写后参与计算；文件名原样参与，不做任何裁剪。
func ManifestHash(dataHash string, imageHashes map[string]string) string {
	names := make([]string, 0, len(imageHashes))
	for name := range imageHashes {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names)+1)
	parts = append(parts, strings.ToLower(strings.TrimSpace(dataHash)))
	for _, name := range names {
		parts = append(parts, name+":"+strings.ToLower(strings.TrimSpace(imageHashes[name])))
	}
	return hash.Lines(parts...)
}
