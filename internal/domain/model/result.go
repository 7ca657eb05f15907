package model

// ValidationSummary 是完整性校验的计数汇总。
type ValidationSummary struct {
	ImagesExpected int    `json:"imagesExpected"`
	ImagesValid    int    `json:"imagesValid"`
	ImagesFailed   int    `json:"imagesFailed"`
	ExtraBlobs     int    `json:"extraBlobs"`
	Message        string `json:"message"`
}

// ValidationResult 是导入前完整性校验的分项结论。
type ValidationResult struct {
	DataValid       bool              `json:"dataValid"`
	ImageValidation map[string]bool   `json:"imageValidation"`
	ManifestValid   bool              `json:"manifestValid"`
	IsValid         bool              `json:"isValid"`
	Errors          []string          `json:"errors"`
	Summary         ValidationSummary `json:"summary"`

	// 重算得到的哈希，便于 UI/CLI 展示 expected/actual。
	ComputedDataHash     string `json:"computedDataHash,omitempty"`
	ComputedManifestHash string `json:"computedManifestHash,omitempty"`
}

// ResultEntry 是结果中的一条错误或警告，Kind 取自错误分类。
type ResultEntry struct {
	Kind    string `json:"kind"`
	Step    string `json:"step,omitempty"`
	Message string `json:"message"`
}

// ImportResult 是案件导入的最终结果；编排层永远返回它而不是抛出 error。
type ImportResult struct {
	Success             bool              `json:"success"`
	CaseNumber          string            `json:"caseNumber"`
	CorrelationID       string            `json:"correlationId"`
	FilesImported       int               `json:"filesImported"`
	AnnotationsImported int               `json:"annotationsImported"`
	FailedStep          string            `json:"failedStep,omitempty"`
	Validation          *ValidationResult `json:"validation,omitempty"`
	Errors              []ResultEntry     `json:"errors"`
	Warnings            []ResultEntry     `json:"warnings"`
}

// ConfirmationImportResult 是确认导入的最终结果。
//
// 部分确认被拒绝（过期等）时 Success 为 false，但已接受的确认仍会落库，
// ConfirmationsImported 反映实际写入数量。
type ConfirmationImportResult struct {
	Success               bool          `json:"success"`
	CaseNumber            string        `json:"caseNumber"`
	CorrelationID         string        `json:"correlationId"`
	ConfirmationsImported int           `json:"confirmationsImported"`
	ImagesUpdated         int           `json:"imagesUpdated"`
	Rejected              []string      `json:"rejected,omitempty"`
	Skipped               []string      `json:"skipped,omitempty"`
	Errors                []ResultEntry `json:"errors"`
	Warnings              []ResultEntry `json:"warnings"`
}
