package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// New 生成带前缀的简易唯一 ID：
// prefix + 毫秒时间戳 + 随机后缀。
// 这种格式便于日志阅读，也基本满足本地场景下的唯一性。
func New(prefix string) string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(buf))
}

// confirmationAlphabet 去掉了 0/O/1/I 等易混字符，便于检验员口头或纸面引用。
const confirmationAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// Confirmation 生成确认编号，例如 CONF-20261018-7K3M-QX9P。
// 日期段便于人工检索，两组随机段共 40 bit 熵。
func Confirmation(now time.Time) string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)

	var sb strings.Builder
	sb.WriteString("CONF-")
	sb.WriteString(now.UTC().Format("20060102"))
	for i, b := range buf {
		if i%4 == 0 {
			sb.WriteByte('-')
		}
		sb.WriteByte(confirmationAlphabet[int(b)%len(confirmationAlphabet)])
	}
	return sb.String()
}
