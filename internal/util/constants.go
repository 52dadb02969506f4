package util

const (
	// ISOMillisFormat UTC 毫秒精度 ISO-8601，证书序列号的时间部分使用该格式
	ISOMillisFormat = "2006-01-02T15:04:05.000Z"
)

const (
	StorageLocal = "local"
	StorageMinio = "minio"
	StorageOSS   = "oss"
)

const (
	DefaultPage      = 1
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)
