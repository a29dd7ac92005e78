// Package migrations 内嵌审计存储的 SQL 迁移文件，按数据库方言分目录存放。
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed mysql/*.sql sqlite/*.sql
var files embed.FS

// For 返回指定驱动的迁移目录。
func For(driver string) (fs.FS, error) {
	switch driver {
	case "mysql", "sqlite":
		return fs.Sub(files, driver)
	default:
		return nil, fmt.Errorf("没有 %s 的迁移文件", driver)
	}
}
