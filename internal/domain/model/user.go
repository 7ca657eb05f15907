package model

import "time"

// User 是认证方提供的检验员身份（uid 为不透明字符串）。
type User struct {
	UID          string    `json:"uid"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"displayName"`
	Organization string    `json:"organization,omitempty"`
	BadgeID      string    `json:"badgeId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CaseDescriptor 是检验员名下常规案件的索引项。
type CaseDescriptor struct {
	CaseNumber string    `json:"caseNumber"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ReadOnlyCaseDescriptor 是导入复核案件的索引项。
type ReadOnlyCaseDescriptor struct {
	CaseNumber         string    `json:"caseNumber"`
	ImportedAt         time.Time `json:"importedAt"`
	OriginalExportDate time.Time `json:"originalExportDate"`
	OriginalExportedBy string    `json:"originalExportedBy"`
	ExporterName       string    `json:"exporterName,omitempty"`
	SourceManifestHash string    `json:"sourceManifestHash"`
}

// Profile 是检验员的案件索引。
type Profile struct {
	UID           string                   `json:"uid"`
	Cases         []CaseDescriptor         `json:"cases"`
	ReadOnlyCases []ReadOnlyCaseDescriptor `json:"readOnlyCases"`
}

// HasRegularCase 判断是否拥有同编号的常规（非只读）案件。
func (p *Profile) HasRegularCase(caseNumber string) bool {
	for _, c := range p.Cases {
		if c.CaseNumber == caseNumber {
			return true
		}
	}
	return false
}

// HasReadOnlyCase 判断是否拥有同编号的只读案件。
func (p *Profile) HasReadOnlyCase(caseNumber string) bool {
	for _, c := range p.ReadOnlyCases {
		if c.CaseNumber == caseNumber {
			return true
		}
	}
	return false
}

// WithoutReadOnlyCase 返回移除指定只读案件后的副本；原 Profile 不变。
func (p Profile) WithoutReadOnlyCase(caseNumber string) Profile {
	out := make([]ReadOnlyCaseDescriptor, 0, len(p.ReadOnlyCases))
	for _, c := range p.ReadOnlyCases {
		if c.CaseNumber != caseNumber {
			out = append(out, c)
		}
	}
	p.ReadOnlyCases = out
	return p
}
