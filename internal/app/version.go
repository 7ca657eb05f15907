package app

// 构建信息，由 -ldflags "-X toolmark-review/internal/app.Version=..." 注入。
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)
