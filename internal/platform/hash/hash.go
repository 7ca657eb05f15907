package hash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strings"
)

// FastChecksum 计算 CRC-32（IEEE）并输出 8 位小写十六进制。
// 非密码学校验，仅用于快速发现篡改；跨系统比较请使用 Equal（大小写不敏感）。
func FastChecksum(b []byte) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE(b))
}

// SecureDigest 计算 SHA-256 并输出 64 位小写十六进制。
// 凡是跨越检验员信任边界的摘要（manifest、确认导出）都必须使用它。
func SecureDigest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Equal 比较两个十六进制摘要（忽略大小写与首尾空白）。
func Equal(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}

// Text 将多个字段按换行拼接后计算 SHA-256。
// 这里用于 manifest_hash / chain_hash 等“字段级留痕”场景。
func Text(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte("\n"))
		}
		_, _ = h.Write([]byte(strings.TrimSpace(p)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Lines 将多个字段按换行拼接后计算 SHA-256，字段原样参与计算（不去空白）。
// 调用方需保证字段本身不含换行。
func Lines(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte("\n"))
		}
		_, _ = h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// File 读取文件并计算 SHA-256，同时返回文件大小。
func File(path string) (sum string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// CanonicalJSON 把任意 JSON 文档规范化为“键排序 + 紧凑”的字节序列。
//
// 数字按原文保留（UseNumber），避免 float64 往返造成的精度漂移；
// 同一个逻辑文档无论键的插入顺序、缩进如何，输出都一致。
func CanonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode json: trailing data")
	}
	return CanonicalValue(v)
}

// CanonicalValue 对已解码的通用 JSON 值做规范化编码。
// encoding/json 对 map 键天然按字典序输出，这里只需要关闭 HTML 转义并去掉结尾换行。
func CanonicalValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode canonical json: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// CanonicalOf 先 Marshal 结构体再规范化，便于“导出端”和“导入端”走同一条路径。
func CanonicalOf(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return CanonicalJSON(raw)
}
