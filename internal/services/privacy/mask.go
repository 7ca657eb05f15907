// Package privacy 提供对外材料（复核 PDF、HTTP 响应）的展示层脱敏。
//
// 脱敏只作用于输出副本，数据库与导出包中的原始记录保持不变，
// 否则哈希校验将无法通过。
package privacy

import (
	"path/filepath"
	"strings"
	"unicode/utf8"

	"toolmark-review/internal/domain/model"
)

const (
	ModeOff    = "off"
	ModeMasked = "masked"
)

// Enabled 判断配置中的 privacy_mode 是否要求脱敏。
func Enabled(mode string) bool {
	return strings.EqualFold(strings.TrimSpace(mode), ModeMasked)
}

// MaskPath 把绝对路径压缩为文件名，避免暴露本机用户名与目录结构。
func MaskPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return filepath.Base(p)
}

// MaskEmail 保留邮箱首字符与域名：alex@lab.test -> a***@lab.test。
func MaskEmail(email string) string {
	email = strings.TrimSpace(email)
	if email == "" {
		return ""
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "<masked>"
	}
	r, _ := utf8.DecodeRuneInString(email)
	return string(r) + "***" + email[at:]
}

// MaskBadge 只保留证件号末 2 位。
func MaskBadge(badge string) string {
	badge = strings.TrimSpace(badge)
	runes := []rune(badge)
	switch {
	case len(runes) == 0:
		return ""
	case len(runes) <= 2:
		return strings.Repeat("*", len(runes))
	default:
		return strings.Repeat("*", len(runes)-2) + string(runes[len(runes)-2:])
	}
}

// MaskName 把姓名压缩为首字母：Blair Reviewer -> B. R.
func MaskName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		r, _ := utf8.DecodeRuneInString(f)
		out = append(out, string(r)+".")
	}
	return strings.Join(out, " ")
}

// MaskUser 返回脱敏后的用户副本；UID 保留以便内部关联。
func MaskUser(u model.User) model.User {
	u.Email = MaskEmail(u.Email)
	u.BadgeID = MaskBadge(u.BadgeID)
	u.DisplayName = MaskName(u.DisplayName)
	return u
}

// MaskConfirmation 返回脱敏后的确认副本；确认编号与时间保留，便于与原件对照。
func MaskConfirmation(c model.ConfirmationRecord) model.ConfirmationRecord {
	c.FullName = MaskName(c.FullName)
	c.BadgeID = MaskBadge(c.BadgeID)
	c.Email = MaskEmail(c.Email)
	return c
}

// MaskConfirmations 对整个台账做脱敏，返回新 map。
func MaskConfirmations(m model.ConfirmationMap) model.ConfirmationMap {
	if m == nil {
		return nil
	}
	out := make(model.ConfirmationMap, len(m))
	for k, list := range m {
		cp := make([]model.ConfirmationRecord, 0, len(list))
		for _, c := range list {
			cp = append(cp, MaskConfirmation(c))
		}
		out[k] = cp
	}
	return out
}

// MaskDescriptor 对只读案件索引中的导出人信息做脱敏。
func MaskDescriptor(d model.ReadOnlyCaseDescriptor) model.ReadOnlyCaseDescriptor {
	d.ExporterName = MaskName(d.ExporterName)
	return d
}
